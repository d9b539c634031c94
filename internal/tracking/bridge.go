package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldtrack/internal/attendance"
)

// ServiceState is the background service's own view of tracking.
type ServiceState struct {
	IsTracking       bool `json:"isTracking"`
	PendingDataCount int  `json:"pendingDataCount"`
}

// EmergencyData is what the background service still knows about an open
// session. It survives the agent process being killed.
type EmergencyData struct {
	TrackingActive     bool                      `json:"trackingActive"`
	AttendanceID       string                    `json:"attendanceId,omitempty"`
	LastLocationUpdate *attendance.LocationPoint `json:"lastLocationUpdate,omitempty"`
	LastKnownTime      *time.Time                `json:"lastKnownTime,omitempty"`
}

// Service is the OS-level location service that keeps delivering fixes while
// the app is suspended.
type Service interface {
	Initialize(ctx context.Context) (bool, error)
	IsTrackingActive(ctx context.Context) (bool, error)
	StartTracking(ctx context.Context, subjectID, subjectName string) error
	StopTracking(ctx context.Context, closeout string) error
	SetLocationUpdateCallback(fn func(attendance.LocationPoint))
	State(ctx context.Context) (ServiceState, error)
	EmergencyData(ctx context.Context) (*EmergencyData, error)
}

// State mirrors the background service for the agent.
type State struct {
	Available   bool       `json:"available"`
	IsActive    bool       `json:"isActive"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	LastUpdate  *time.Time `json:"lastUpdate,omitempty"`
	PendingData int        `json:"pendingData"`
}

// Observer receives tracking events. metrics.Metrics implements it.
type Observer interface {
	TrackingActive(active bool)
}

// Bridge tracks whether background tracking is running and forwards every
// delivered tick to a sink. It implements attendance.Tracker.
type Bridge struct {
	svc      Service
	log      *slog.Logger
	now      func() time.Time
	observer Observer

	mu    sync.Mutex
	state State
	sink  func(attendance.LocationPoint)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observer = o }
}

// New wraps svc and registers the bridge as its location callback.
func New(svc Service, opts ...Option) *Bridge {
	b := &Bridge{svc: svc, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	svc.SetLocationUpdateCallback(b.OnLocationTick)
	return b
}

// SetSink sets the function every tick is forwarded to.
func (b *Bridge) SetSink(fn func(attendance.LocationPoint)) {
	b.mu.Lock()
	b.sink = fn
	b.mu.Unlock()
}

// Initialize asks the service whether it can run and records the answer.
func (b *Bridge) Initialize(ctx context.Context) bool {
	ok, err := b.svc.Initialize(ctx)
	if err != nil {
		b.log.Warn("location service unavailable", "error", err)
		ok = false
	}
	b.mu.Lock()
	b.state.Available = ok
	b.mu.Unlock()
	return ok
}

// Start begins tracking for the subject. It is a no-op when already active.
func (b *Bridge) Start(ctx context.Context, subjectID, subjectName string) error {
	if b.IsActive() {
		return nil
	}
	if err := b.svc.StartTracking(ctx, subjectID, subjectName); err != nil {
		return fmt.Errorf("start tracking for %s: %w", subjectID, err)
	}
	now := b.now().UTC()
	b.mu.Lock()
	b.state.IsActive = true
	b.state.ActivatedAt = &now
	b.mu.Unlock()
	b.observe(true)
	b.log.Info("location tracking started", "employee_id", subjectID)
	return nil
}

// Stop ends tracking and hands closeout to the service. It is a no-op when
// not active.
func (b *Bridge) Stop(ctx context.Context, closeout string) error {
	if !b.IsActive() {
		return nil
	}
	if err := b.svc.StopTracking(ctx, closeout); err != nil {
		return fmt.Errorf("stop tracking: %w", err)
	}
	b.markInactive()
	b.log.Info("location tracking stopped")
	return nil
}

// OnLocationTick records the tick time and forwards p to the sink. Safe to
// call from any goroutine. Every tick is kept; nothing is filtered.
func (b *Bridge) OnLocationTick(p attendance.LocationPoint) {
	at := p.Timestamp
	if at.IsZero() {
		at = b.now()
	}
	at = at.UTC()

	b.mu.Lock()
	b.state.LastUpdate = &at
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink(p)
	}
}

// CheckStatus reconciles local state with the service, recovering an active
// session after an agent restart.
func (b *Bridge) CheckStatus(ctx context.Context) State {
	active, err := b.svc.IsTrackingActive(ctx)
	if err != nil {
		b.log.Warn("tracking status check failed", "error", err)
		return b.State()
	}
	svcState, err := b.svc.State(ctx)
	if err != nil {
		b.log.Debug("tracking state query failed", "error", err)
	}

	b.mu.Lock()
	was := b.state.IsActive
	b.state.IsActive = active
	b.state.PendingData = svcState.PendingDataCount
	if active && b.state.ActivatedAt == nil {
		now := b.now().UTC()
		b.state.ActivatedAt = &now
	}
	if !active {
		b.state.ActivatedAt = nil
		b.state.LastUpdate = nil
	}
	st := b.state
	b.mu.Unlock()

	if was != active {
		b.log.Info("tracking state reconciled", "active", active)
		b.observe(active)
	}
	return st
}

// EmergencySnapshot returns the service's view of the open session, or nil.
func (b *Bridge) EmergencySnapshot(ctx context.Context) (*EmergencyData, error) {
	data, err := b.svc.EmergencyData(ctx)
	if err != nil {
		return nil, fmt.Errorf("emergency snapshot: %w", err)
	}
	return data, nil
}

// IsActive reports whether tracking is running.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.IsActive
}

// LastUpdate returns the time of the most recent tick.
func (b *Bridge) LastUpdate() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.LastUpdate == nil {
		return nil
	}
	t := *b.state.LastUpdate
	return &t
}

// State returns a copy of the tracking state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stale reports whether tracking is active but has produced no tick for
// longer than maxAge. Before the first tick the activation time is used.
func (b *Bridge) Stale(maxAge time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.IsActive || maxAge <= 0 {
		return false
	}
	ref := b.state.LastUpdate
	if ref == nil {
		ref = b.state.ActivatedAt
	}
	if ref == nil {
		return false
	}
	return b.now().Sub(*ref) > maxAge
}

func (b *Bridge) markInactive() {
	b.mu.Lock()
	b.state.IsActive = false
	b.state.ActivatedAt = nil
	b.state.LastUpdate = nil
	b.mu.Unlock()
	b.observe(false)
}

func (b *Bridge) observe(active bool) {
	if b.observer != nil {
		b.observer.TrackingActive(active)
	}
}
