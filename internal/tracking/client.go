package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"fieldtrack/internal/attendance"
)

// Client talks to the background location daemon over its local HTTP API.
// The daemon pushes ticks to the agent, which hands them to Deliver.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu       sync.RWMutex
	callback func(attendance.LocationPoint)
}

// NewClient creates a client with a short timeout; the daemon is local.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Initialize reports whether the daemon can track on this device.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	if err := c.do(ctx, http.MethodPost, "/initialize", nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

// IsTrackingActive asks the daemon whether tracking is running.
func (c *Client) IsTrackingActive(ctx context.Context) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := c.do(ctx, http.MethodGet, "/tracking/active", nil, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

// StartTracking starts continuous delivery for the subject.
func (c *Client) StartTracking(ctx context.Context, subjectID, subjectName string) error {
	body := map[string]string{"subjectId": subjectID, "subjectName": subjectName}
	return c.do(ctx, http.MethodPost, "/tracking/start", body, nil)
}

// StopTracking stops delivery and hands over the closeout payload.
func (c *Client) StopTracking(ctx context.Context, closeout string) error {
	body := map[string]json.RawMessage{}
	if closeout != "" && json.Valid([]byte(closeout)) {
		body["closeout"] = json.RawMessage(closeout)
	}
	return c.do(ctx, http.MethodPost, "/tracking/stop", body, nil)
}

// State returns the daemon's tracking state.
func (c *Client) State(ctx context.Context) (ServiceState, error) {
	var out ServiceState
	err := c.do(ctx, http.MethodGet, "/state", nil, &out)
	return out, err
}

// EmergencyData returns the daemon's snapshot of the open session, or nil
// when it has none.
func (c *Client) EmergencyData(ctx context.Context) (*EmergencyData, error) {
	var out EmergencyData
	found := true
	err := c.doStatus(ctx, http.MethodGet, "/emergency", nil, &out, func(code int) bool {
		if code == http.StatusNoContent || code == http.StatusNotFound {
			found = false
			return true
		}
		return false
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

// CurrentLocation asks the daemon for a fresh fix. It implements
// attendance.LocationProvider.
func (c *Client) CurrentLocation(ctx context.Context) (*attendance.LocationPoint, error) {
	var out attendance.LocationPoint
	if err := c.do(ctx, http.MethodGet, "/location/current", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLocationUpdateCallback registers the tick receiver.
func (c *Client) SetLocationUpdateCallback(fn func(attendance.LocationPoint)) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// Deliver passes a tick pushed by the daemon to the registered callback.
func (c *Client) Deliver(p attendance.LocationPoint) {
	c.mu.RLock()
	fn := c.callback
	c.mu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doStatus(ctx, method, path, in, out, nil)
}

// doStatus performs the request. accept may claim a non-2xx status as handled.
func (c *Client) doStatus(ctx context.Context, method, path string, in, out any, accept func(int) bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode tracker request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("location service request failed: %w", err)
	}
	defer resp.Body.Close()

	if accept != nil && accept(resp.StatusCode) {
		return nil
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("location service error %s: %s", resp.Status, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
