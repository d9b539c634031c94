// Package connectivity detects offline to online transitions and triggers
// exactly one queue drain per transition.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks whether the attendance API is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Observer receives connectivity changes. metrics.Metrics implements it.
type Observer interface {
	Connectivity(online bool)
}

// Monitor tracks reachability. The initial state is offline, so the first
// successful probe counts as a transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	onOnline func(ctx context.Context)
	log      *slog.Logger
	observer Observer

	mu     sync.Mutex
	online bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// New builds a monitor that probes every interval and calls onOnline once
// per offline to online transition.
func New(p Prober, interval time.Duration, onOnline func(ctx context.Context), opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{prober: p, interval: interval, onOnline: onOnline, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks reachability once and applies the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.prober.Health(probeCtx)
	if err != nil && ctx.Err() == nil {
		m.log.Debug("connectivity probe failed", "error", err)
	}
	online := err == nil
	m.SetOnline(ctx, online)
	return online
}

// SetOnline records an externally observed state, for example from the OS
// network callback. Going online runs onOnline synchronously.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	m.mu.Unlock()

	if prev == online {
		return
	}
	if m.observer != nil {
		m.observer.Connectivity(online)
	}
	if !online {
		m.log.Warn("connectivity lost")
		return
	}
	m.log.Info("connectivity restored")
	if m.onOnline != nil {
		m.onOnline(ctx)
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
