package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/logging"
)

type fakeService struct {
	mu        sync.Mutex
	available bool
	active    bool
	startErr  error
	stopErr   error
	statusErr error
	pending   int
	snapshot  *EmergencyData
	starts    int
	stops     []string
	callback  func(attendance.LocationPoint)
}

func (f *fakeService) Initialize(context.Context) (bool, error) { return f.available, nil }

func (f *fakeService) IsTrackingActive(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.statusErr
}

func (f *fakeService) StartTracking(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakeService) StopTracking(_ context.Context, closeout string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, closeout)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.active = false
	return nil
}

func (f *fakeService) SetLocationUpdateCallback(fn func(attendance.LocationPoint)) { f.callback = fn }

func (f *fakeService) State(context.Context) (ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ServiceState{IsTracking: f.active, PendingDataCount: f.pending}, nil
}

func (f *fakeService) EmergencyData(context.Context) (*EmergencyData, error) { return f.snapshot, nil }

type recordingObserver struct{ events []bool }

func (r *recordingObserver) TrackingActive(active bool) { r.events = append(r.events, active) }

var t0 = time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)

func newBridge(svc *fakeService, now *time.Time, opts ...Option) *Bridge {
	base := []Option{WithLogger(logging.Discard()), WithClock(func() time.Time { return *now })}
	return New(svc, append(base, opts...)...)
}

func TestInitializeRecordsAvailability(t *testing.T) {
	now := t0
	b := newBridge(&fakeService{available: true}, &now)
	assert.True(t, b.Initialize(context.Background()))
	assert.True(t, b.State().Available)
}

func TestStartIsIdempotent(t *testing.T) {
	now := t0
	svc := &fakeService{}
	obs := &recordingObserver{}
	b := newBridge(svc, &now, WithObserver(obs))

	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))
	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))

	assert.Equal(t, 1, svc.starts)
	st := b.State()
	assert.True(t, st.IsActive)
	require.NotNil(t, st.ActivatedAt)
	assert.Equal(t, t0, *st.ActivatedAt)
	assert.Equal(t, []bool{true}, obs.events)
}

func TestStartFailureLeavesInactive(t *testing.T) {
	now := t0
	b := newBridge(&fakeService{startErr: errors.New("permission denied")}, &now)

	err := b.Start(context.Background(), "E1", "Maria")
	assert.ErrorContains(t, err, "permission denied")
	assert.False(t, b.IsActive())
}

func TestStopWhenInactiveIsNoop(t *testing.T) {
	now := t0
	svc := &fakeService{}
	b := newBridge(svc, &now)

	require.NoError(t, b.Stop(context.Background(), "{}"))
	assert.Empty(t, svc.stops)
}

func TestStopClearsLastUpdate(t *testing.T) {
	now := t0
	svc := &fakeService{}
	b := newBridge(svc, &now)
	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))
	b.OnLocationTick(attendance.LocationPoint{Latitude: 1, Timestamp: t0.Add(time.Minute)})
	require.NotNil(t, b.LastUpdate())

	require.NoError(t, b.Stop(context.Background(), `{"attendanceId":"A1"}`))

	assert.False(t, b.IsActive())
	assert.Nil(t, b.LastUpdate())
	assert.Equal(t, []string{`{"attendanceId":"A1"}`}, svc.stops)
}

func TestStopFailureKeepsActive(t *testing.T) {
	now := t0
	svc := &fakeService{stopErr: errors.New("service gone")}
	b := newBridge(svc, &now)
	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))

	assert.Error(t, b.Stop(context.Background(), "{}"))
	assert.True(t, b.IsActive())
}

func TestTicksAreForwardedUnfiltered(t *testing.T) {
	now := t0
	svc := &fakeService{}
	b := newBridge(svc, &now)

	var got []attendance.LocationPoint
	b.SetSink(func(p attendance.LocationPoint) { got = append(got, p) })

	same := attendance.LocationPoint{Latitude: 14.5995, Longitude: 120.9842, Timestamp: t0}
	svc.callback(same)
	svc.callback(same)
	svc.callback(attendance.LocationPoint{Latitude: 14.5995, Longitude: 120.9842})

	assert.Len(t, got, 3, "stationary duplicates are retained")
	require.NotNil(t, b.LastUpdate())
	assert.Equal(t, t0, *b.LastUpdate())
}

func TestOnLocationTickIsSafeAcrossGoroutines(t *testing.T) {
	now := t0
	b := newBridge(&fakeService{}, &now)
	var mu sync.Mutex
	n := 0
	b.SetSink(func(attendance.LocationPoint) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.OnLocationTick(attendance.LocationPoint{Timestamp: t0})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, n)
}

func TestCheckStatusRecoversAfterRestart(t *testing.T) {
	now := t0
	svc := &fakeService{active: true, pending: 4}
	b := newBridge(svc, &now)
	require.False(t, b.IsActive())

	st := b.CheckStatus(context.Background())
	assert.True(t, st.IsActive)
	assert.Equal(t, 4, st.PendingData)
	assert.NotNil(t, st.ActivatedAt)

	svc.active = false
	st = b.CheckStatus(context.Background())
	assert.False(t, st.IsActive)
	assert.Nil(t, st.LastUpdate)
}

func TestCheckStatusKeepsStateOnError(t *testing.T) {
	now := t0
	svc := &fakeService{}
	b := newBridge(svc, &now)
	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))

	svc.statusErr = errors.New("daemon restarting")
	assert.True(t, b.CheckStatus(context.Background()).IsActive)
}

func TestStale(t *testing.T) {
	now := t0
	b := newBridge(&fakeService{}, &now)
	assert.False(t, b.Stale(time.Minute), "inactive tracking is never stale")

	require.NoError(t, b.Start(context.Background(), "E1", "Maria"))
	now = t0.Add(2 * time.Minute)
	assert.True(t, b.Stale(time.Minute), "no tick since activation")

	b.OnLocationTick(attendance.LocationPoint{Timestamp: now})
	assert.False(t, b.Stale(time.Minute))
	now = now.Add(90 * time.Second)
	assert.True(t, b.Stale(time.Minute))
	assert.False(t, b.Stale(0))
}
