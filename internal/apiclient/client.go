// Package apiclient calls the remote attendance API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/history"
)

// TokenProvider supplies a currently valid bearer token. auth.TokenSource
// implements it.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

// lastTokenProvider is implemented by token sources that remember the access
// token after the session can no longer be refreshed.
type lastTokenProvider interface {
	LastToken() string
}

type authMode int

const (
	authNone authMode = iota
	authRequired
	// authLastResort falls back to the last known token when no valid token
	// can be produced.
	authLastResort
)

// Client calls the attendance API. A nil Tokens sends unauthenticated requests.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenProvider
}

// New creates a client with the given request timeout.
func New(baseURL string, timeout time.Duration, tokens TokenProvider) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Tokens:  tokens,
	}
}

type envelope struct {
	Success    *bool               `json:"success"`
	Message    string              `json:"message"`
	Error      string              `json:"error"`
	Data       json.RawMessage     `json:"data"`
	Pagination *history.Pagination `json:"pagination"`
}

// wireRecord accepts both "attendanceId" and "id" for the session id.
type wireRecord struct {
	attendance.Record
	ID string `json:"id"`
}

func (w wireRecord) record() *attendance.Record {
	rec := w.Record
	if rec.AttendanceID == "" {
		rec.AttendanceID = w.ID
	}
	return &rec
}

// CheckIn posts a check-in.
func (c *Client) CheckIn(ctx context.Context, payload attendance.CheckInPayload) (*attendance.Record, error) {
	return c.postRecord(ctx, "/attendance/checkin", payload, authRequired)
}

// CheckOut posts a check-out, including emergency check-outs. An emergency
// check-out is still sent with the last known access token when the session
// has expired, so the server can record it.
func (c *Client) CheckOut(ctx context.Context, payload attendance.CheckOutPayload) (*attendance.Record, error) {
	mode := authRequired
	if payload.IsEmergency {
		mode = authLastResort
	}
	return c.postRecord(ctx, "/attendance/checkout", payload, mode)
}

// Status returns the employee's current attendance, or nil when the server
// has no session for them.
func (c *Client) Status(ctx context.Context, employeeID string) (*attendance.Record, error) {
	env, err := c.do(ctx, http.MethodGet, "/attendance/status/"+url.PathEscape(employeeID), nil, authRequired)
	if err != nil {
		return nil, err
	}
	if isNull(env.Data) {
		return nil, nil
	}
	var w wireRecord
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", attendance.ErrMalformedResponse, err)
	}
	return w.record(), nil
}

// UpdateLocation uploads one location point for an open session.
func (c *Client) UpdateLocation(ctx context.Context, attendanceID string, point attendance.LocationPoint) error {
	_, err := c.do(ctx, http.MethodPost, "/attendance/"+url.PathEscape(attendanceID)+"/location-update", point, authRequired)
	return err
}

// ListAttendance returns one page of past sessions. It implements
// history.Fetcher.
func (c *Client) ListAttendance(ctx context.Context, q history.Query) ([]attendance.Record, history.Pagination, error) {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.SortBy != "" {
		v.Set("sortBy", q.SortBy)
	}
	if q.SortOrder != "" {
		v.Set("sortOrder", q.SortOrder)
	}
	if q.EmployeeID != "" {
		v.Set("employeeId", q.EmployeeID)
	}

	env, err := c.do(ctx, http.MethodGet, "/attendance?"+v.Encode(), nil, authRequired)
	if err != nil {
		return nil, history.Pagination{}, err
	}
	var wire []wireRecord
	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, history.Pagination{}, fmt.Errorf("%w: decode attendance list: %v", attendance.ErrMalformedResponse, err)
		}
	}
	records := make([]attendance.Record, 0, len(wire))
	for _, w := range wire {
		records = append(records, *w.record())
	}
	pg := history.Pagination{Page: q.Page, Limit: q.Limit}
	if env.Pagination != nil {
		pg = *env.Pagination
	}
	return records, pg, nil
}

// Health probes the API. The connectivity monitor uses it.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("attendance api unavailable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("attendance api unhealthy: %s", resp.Status)
	}
	return nil
}

// Refresh exchanges a refresh token for a new token pair. It implements
// auth.Refresher and never sends the current access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, string, error) {
	env, err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, authNone)
	if err != nil {
		return "", "", err
	}
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.AccessToken == "" {
		return "", "", fmt.Errorf("%w: refresh response without access token", attendance.ErrMalformedResponse)
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out.AccessToken, out.RefreshToken, nil
}

func (c *Client) postRecord(ctx context.Context, path string, payload any, mode authMode) (*attendance.Record, error) {
	env, err := c.do(ctx, http.MethodPost, path, payload, mode)
	if err != nil {
		return nil, err
	}
	if isNull(env.Data) {
		return nil, fmt.Errorf("%w: %s returned no data", attendance.ErrMalformedResponse, path)
	}
	var w wireRecord
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", attendance.ErrMalformedResponse, path, err)
	}
	return w.record(), nil
}

// do sends the request and unwraps the response envelope. Non-2xx statuses
// and success=false become *attendance.RejectedError.
func (c *Client) do(ctx context.Context, method, path string, in any, mode authMode) (*envelope, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mode != authNone && c.Tokens != nil {
		token, err := c.bearer(ctx, mode)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attendance api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attendance api response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		return nil, &attendance.RejectedError{StatusCode: resp.StatusCode, Message: rejectionMessage(env, raw, decodeErr)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", attendance.ErrMalformedResponse, decodeErr)
	}
	if env.Success != nil && !*env.Success {
		return nil, &attendance.RejectedError{StatusCode: resp.StatusCode, Message: rejectionMessage(env, raw, nil)}
	}
	return &env, nil
}

func (c *Client) bearer(ctx context.Context, mode authMode) (string, error) {
	token, err := c.Tokens.GetValidToken(ctx)
	if err == nil {
		return token, nil
	}
	if mode == authLastResort {
		if last, ok := c.Tokens.(lastTokenProvider); ok {
			if stale := last.LastToken(); stale != "" {
				return stale, nil
			}
		}
	}
	return "", fmt.Errorf("get access token: %w", err)
}

func rejectionMessage(env envelope, raw []byte, decodeErr error) string {
	switch {
	case decodeErr == nil && env.Message != "":
		return env.Message
	case decodeErr == nil && env.Error != "":
		return env.Error
	case decodeErr != nil && len(raw) > 0 && len(raw) < 256:
		return strings.TrimSpace(string(raw))
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
