package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/connectivity"
	"fieldtrack/internal/failsafe"
	"fieldtrack/internal/history"
	"fieldtrack/internal/logging"
	"fieldtrack/internal/queue"
	"fieldtrack/internal/store"
	"fieldtrack/internal/tracking"
)

var checkInAt = time.Date(2026, 7, 1, 0, 30, 0, 0, time.UTC)

type stubAPI struct {
	mu          sync.Mutex
	checkOutErr error
	updates     int
}

func (s *stubAPI) CheckIn(context.Context, attendance.CheckInPayload) (*attendance.Record, error) {
	return &attendance.Record{AttendanceID: "A1", CheckInTime: &checkInAt, VerificationStatus: attendance.VerificationPending}, nil
}

func (s *stubAPI) CheckOut(_ context.Context, p attendance.CheckOutPayload) (*attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkOutErr != nil {
		return nil, s.checkOutErr
	}
	hours := 8.0
	return &attendance.Record{AttendanceID: p.AttendanceID, WorkHours: &hours}, nil
}

func (s *stubAPI) Status(context.Context, string) (*attendance.Record, error) {
	return &attendance.Record{AttendanceID: "A1", Status: attendance.StatusCheckedIn, CheckInTime: &checkInAt}, nil
}

func (s *stubAPI) UpdateLocation(context.Context, string, attendance.LocationPoint) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return nil
}

func (s *stubAPI) failCheckOut(err error) {
	s.mu.Lock()
	s.checkOutErr = err
	s.mu.Unlock()
}

type daemon struct {
	active   bool
	snapshot *tracking.EmergencyData
	stops    int
}

func (d *daemon) Initialize(context.Context) (bool, error)       { return true, nil }
func (d *daemon) IsTrackingActive(context.Context) (bool, error) { return d.active, nil }
func (d *daemon) StartTracking(context.Context, string, string) error {
	d.active = true
	return nil
}
func (d *daemon) StopTracking(context.Context, string) error {
	d.stops++
	d.active = false
	return nil
}
func (d *daemon) SetLocationUpdateCallback(func(attendance.LocationPoint)) {}
func (d *daemon) State(context.Context) (tracking.ServiceState, error) {
	return tracking.ServiceState{IsTracking: d.active}, nil
}
func (d *daemon) EmergencyData(context.Context) (*tracking.EmergencyData, error) {
	return d.snapshot, nil
}

type listFetcher struct{ total int }

func (f listFetcher) ListAttendance(_ context.Context, q history.Query) ([]attendance.Record, history.Pagination, error) {
	var out []attendance.Record
	for i := (q.Page - 1) * q.Limit; i < f.total && i < q.Page*q.Limit; i++ {
		out = append(out, attendance.Record{AttendanceID: fmt.Sprintf("A%d", i+1)})
	}
	return out, history.Pagination{Page: q.Page, Limit: q.Limit, Total: f.total, TotalPages: (f.total + q.Limit - 1) / q.Limit}, nil
}

// apiHealth answers connectivity probes; it starts unreachable.
type apiHealth struct{ up atomic.Bool }

func (h *apiHealth) Health(context.Context) error {
	if h.up.Load() {
		return nil
	}
	return errors.New("offline")
}

type env struct {
	router    *gin.Engine
	api       *stubAPI
	daemon    *daemon
	queue     *queue.Queue
	session   *attendance.Session
	health    *apiHealth
	monitor   *connectivity.Monitor
	loggedOut bool
	tokens    []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	e := &env{api: &stubAPI{}, daemon: &daemon{}, health: &apiHealth{}}

	bridge := tracking.New(e.daemon, tracking.WithLogger(log))
	e.queue = queue.New(store.NewMemory(), queue.WithLogger(log))
	e.monitor = connectivity.New(e.health, time.Minute, func(ctx context.Context) {
		e.queue.Drain(ctx, e.session)
	}, connectivity.WithLogger(log))
	e.session = attendance.NewSession(attendance.Employee{ID: "E1", FirstName: "Maria"}, attendance.Deps{
		API:          e.api,
		Tracker:      bridge,
		Queue:        e.queue,
		Logger:       log,
		Connectivity: e.monitor,
	})
	bridge.SetSink(e.session.RecordLocation)

	h := New(Deps{
		Session:  e.session,
		Queue:    e.queue,
		Bridge:   bridge,
		Failsafe: failsafe.New(bridge, e.session, log),
		Pager:    history.NewPager(listFetcher{total: 5}, "E1"),
		Monitor:  e.monitor,
		OnLogin:  func(access, refresh string) { e.tokens = []string{access, refresh} },
		OnLogout: func() { e.loggedOut = true },
		Logger:   log,
	})
	e.router = gin.New()
	e.router.GET("/healthz", h.Healthz)
	h.Register(e.router)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

const manilaBody = `{"location":{"latitude":14.5995,"longitude":120.9842,"accuracy":10}}`

func TestCheckInAndSession(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "A1", body["attendanceId"])

	code, body = e.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "CHECKED_IN", data["status"])
	assert.Equal(t, "A1", data["attendanceId"])
	assert.Equal(t, "PENDING", data["verificationStatus"])
	assert.True(t, e.daemon.active)
}

func TestCheckInWithoutLocation(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/v1/checkin", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Location is required for check-in", body["message"])
}

func TestCheckInTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	assert.Equal(t, http.StatusConflict, code)
}

func TestOfflineCheckOutDrainsOnReconnect(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code)

	e.api.failCheckOut(errors.New("network request failed"))
	code, body := e.do(t, http.MethodPost, "/v1/checkout", manilaBody)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["queued"])

	_, body = e.do(t, http.MethodGet, "/v1/queue", "")
	assert.Equal(t, 1.0, body["data"].(map[string]any)["length"])
	assert.Equal(t, attendance.StatusCheckedIn, e.session.State().Status)

	e.api.failCheckOut(nil)
	code, body = e.do(t, http.MethodPost, "/v1/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["data"].(map[string]any)["queueLength"])
	assert.Equal(t, attendance.StatusCheckedOut, e.session.State().Status)
	assert.Equal(t, 1, e.daemon.stops)
}

func TestQueuedCheckOutDrainsOnNextGoodProbe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.health.up.Store(true)
	require.True(t, e.monitor.Probe(ctx))

	code, _ := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code)

	e.api.failCheckOut(errors.New("dial tcp 10.0.0.1:443: connect: connection refused"))
	code, _ = e.do(t, http.MethodPost, "/v1/checkout", manilaBody)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, e.queue.Len())
	assert.False(t, e.monitor.Online(), "a deferred check-out marks the agent offline")

	e.api.failCheckOut(nil)
	for i := 0; i < 5; i++ {
		e.monitor.Probe(ctx)
	}

	assert.Equal(t, 0, e.queue.Len())
	assert.Equal(t, attendance.StatusCheckedOut, e.session.State().Status)
	assert.Equal(t, 1, e.daemon.stops)
}

func TestManualDrainAndClear(t *testing.T) {
	e := newEnv(t)
	_, err := e.queue.Enqueue(context.Background(), queue.KindCheckOut, "E1", attendance.CheckOutPayload{AttendanceID: "A0"})
	require.NoError(t, err)

	code, body := e.do(t, http.MethodPost, "/v1/queue/drain", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["data"].(map[string]any)["replayed"])

	_, err = e.queue.Enqueue(context.Background(), queue.KindCheckOut, "E1", attendance.CheckOutPayload{AttendanceID: "A0"})
	require.NoError(t, err)
	code, _ = e.do(t, http.MethodDelete, "/v1/queue", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, e.queue.Len())
}

func TestLogoutRunsFailsafe(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code)
	e.daemon.snapshot = &tracking.EmergencyData{TrackingActive: true, AttendanceID: "A1"}

	code, body := e.do(t, http.MethodPost, "/v1/logout", "")
	require.Equal(t, http.StatusOK, code)
	out := body["data"].(map[string]any)
	assert.Equal(t, true, out["triggered"])
	assert.Equal(t, true, out["checkedOut"])
	assert.Equal(t, failsafe.ReasonLogout, out["reason"])
	assert.Equal(t, 1, e.daemon.stops)
	assert.True(t, e.loggedOut)
	assert.Equal(t, attendance.State{EmployeeID: "E1", Status: attendance.StatusCheckedOut}, e.session.State())
}

func TestTicksAreRecordedAndSynced(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/checkin", manilaBody)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodPost, "/v1/tracking/ticks",
		`[{"latitude":1,"longitude":1},{"latitude":2,"longitude":2},{"latitude":3,"longitude":3}]`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 3.0, body["data"].(map[string]any)["accepted"])
	assert.Len(t, e.session.Locations(), 3)
	assert.Equal(t, 1, e.api.updates)

	code, _ = e.do(t, http.MethodPost, "/v1/tracking/ticks", `{"latitude":4,"longitude":4}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Len(t, e.session.Locations(), 4)

	code, _ = e.do(t, http.MethodPost, "/v1/tracking/ticks", `{bad`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/v1/tracking", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["data"].(map[string]any)["isActive"])
}

func TestRefreshSession(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/session/refresh", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CHECKED_IN", body["data"].(map[string]any)["status"])
	assert.True(t, e.daemon.active)
}

func TestLoginInstallsTokensAndRefreshes(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodPost, "/v1/login", `{"refreshToken":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := e.do(t, http.MethodPost, "/v1/login", `{"accessToken":"a1","refreshToken":"r1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"a1", "r1"}, e.tokens)
	assert.Equal(t, "CHECKED_IN", body["data"].(map[string]any)["status"])
}

func TestHistoryPaging(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodGet, "/v1/history?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	page := body["data"].(map[string]any)
	assert.Equal(t, true, page["hasMore"])
	assert.Len(t, page["records"], 2)

	code, body = e.do(t, http.MethodPost, "/v1/history/more", "")
	require.Equal(t, http.StatusOK, code)
	page = body["data"].(map[string]any)
	assert.Len(t, page["records"], 4)
	assert.Equal(t, 2.0, page["page"])
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		attendance.ErrLocationRequired:             http.StatusUnprocessableEntity,
		attendance.ErrOperationInProgress:          http.StatusConflict,
		attendance.ErrMalformedResponse:            http.StatusBadGateway,
		&attendance.RejectedError{StatusCode: 403}: http.StatusForbidden,
		&attendance.RejectedError{StatusCode: 503}: http.StatusServiceUnavailable,
		context.DeadlineExceeded:                   http.StatusServiceUnavailable,
		errors.New("selfie rejected"):              http.StatusBadGateway,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
