package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack/internal/attendance"
)

func TestClientRoundTrips(t *testing.T) {
	var started map[string]string
	var stopped map[string]json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("/initialize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"available":true}`))
	})
	mux.HandleFunc("/tracking/active", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":true}`))
	})
	mux.HandleFunc("/tracking/start", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&started))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/tracking/stop", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&stopped))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isTracking":true,"pendingDataCount":3}`))
	})
	mux.HandleFunc("/emergency", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"trackingActive":true,"attendanceId":"A9","lastLocationUpdate":{"latitude":1.5,"longitude":2.5,"accuracy":5,"timestamp":"2026-06-01T07:30:00Z"}}`))
	})
	mux.HandleFunc("/location/current", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latitude":14.5995,"longitude":120.9842,"accuracy":10,"timestamp":"2026-06-01T07:30:00Z"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	ok, err := c.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := c.IsTrackingActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, c.StartTracking(ctx, "E1", "Maria"))
	assert.Equal(t, map[string]string{"subjectId": "E1", "subjectName": "Maria"}, started)

	require.NoError(t, c.StopTracking(ctx, `{"attendanceId":"A1"}`))
	assert.JSONEq(t, `{"attendanceId":"A1"}`, string(stopped["closeout"]))

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ServiceState{IsTracking: true, PendingDataCount: 3}, st)

	snap, err := c.EmergencyData(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "A9", snap.AttendanceID)
	require.NotNil(t, snap.LastLocationUpdate)
	assert.Equal(t, 1.5, snap.LastLocationUpdate.Latitude)

	fix, err := c.CurrentLocation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120.9842, fix.Longitude)
}

func TestClientEmergencyDataEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL).EmergencyData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestClientSurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gps disabled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CurrentLocation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gps disabled")
}

func TestClientDeliverReachesBridge(t *testing.T) {
	c := NewClient("http://unused")
	b := New(c)
	var got []attendance.LocationPoint
	b.SetSink(func(p attendance.LocationPoint) { got = append(got, p) })

	c.Deliver(attendance.LocationPoint{Latitude: 3})
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].Latitude)
}
