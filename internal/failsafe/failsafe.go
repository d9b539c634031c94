// Package failsafe force-closes an open attendance session when the normal
// UI flow cannot: on logout, on session expiry, and when tracking goes stale.
package failsafe

import (
	"context"
	"log/slog"
	"time"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/tracking"
)

// Fixed reasons recorded with the emergency checkout.
const (
	ReasonLogout         = "user logged out during active session"
	ReasonSessionExpired = "session expired"
	ReasonStaleTracking  = "location tracking stale"
)

// Bridge is the part of tracking.Bridge the controller needs.
type Bridge interface {
	IsActive() bool
	EmergencySnapshot(ctx context.Context) (*tracking.EmergencyData, error)
	Stop(ctx context.Context, closeout string) error
	Stale(maxAge time.Duration) bool
}

// Session is the part of attendance.Session the controller needs. Its
// EmergencyCheckOut stops tracking on every path.
type Session interface {
	EmergencyCheckOut(ctx context.Context, req attendance.EmergencyCheckOutRequest) attendance.Result
}

// Outcome describes what one trigger did.
type Outcome struct {
	Reason       string `json:"reason"`
	Triggered    bool   `json:"triggered"`
	AttendanceID string `json:"attendanceId,omitempty"`
	CheckedOut   bool   `json:"checkedOut"`
	Message      string `json:"message,omitempty"`
}

// Controller runs the emergency checkout. It never returns errors; every
// failure is logged so logout and expiry flows always complete.
type Controller struct {
	bridge  Bridge
	session Session
	log     *slog.Logger
}

// New builds a controller.
func New(bridge Bridge, session Session, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{bridge: bridge, session: session, log: log.With("component", "failsafe")}
}

// OnLogout runs as part of logout.
func (c *Controller) OnLogout(ctx context.Context) Outcome {
	return c.run(ctx, ReasonLogout)
}

// OnSessionExpired runs when the credential can no longer be refreshed.
func (c *Controller) OnSessionExpired(ctx context.Context) Outcome {
	return c.run(ctx, ReasonSessionExpired)
}

// CheckStale runs the emergency checkout if tracking has delivered nothing
// for longer than maxAge.
func (c *Controller) CheckStale(ctx context.Context, maxAge time.Duration) Outcome {
	if !c.bridge.Stale(maxAge) {
		return Outcome{Reason: ReasonStaleTracking}
	}
	c.log.Warn("location tracking stale", "max_age", maxAge)
	return c.run(ctx, ReasonStaleTracking)
}

func (c *Controller) run(ctx context.Context, reason string) Outcome {
	out := Outcome{Reason: reason}
	if !c.bridge.IsActive() {
		c.log.Debug("no active tracking, nothing to close", "reason", reason)
		return out
	}

	snap, err := c.bridge.EmergencySnapshot(ctx)
	if err != nil {
		c.log.Warn("emergency snapshot unavailable", "reason", reason, "error", err)
	}
	if snap == nil || snap.AttendanceID == "" {
		c.stop(ctx, reason)
		return out
	}

	out.Triggered = true
	out.AttendanceID = snap.AttendanceID
	res := c.session.EmergencyCheckOut(ctx, attendance.EmergencyCheckOutRequest{
		AttendanceID:  snap.AttendanceID,
		Reason:        reason,
		Location:      snap.LastLocationUpdate,
		LastKnownTime: snap.LastKnownTime,
	})
	out.CheckedOut = res.Success
	out.Message = res.Message
	if res.Success {
		c.log.Warn("emergency checkout completed", "attendance_id", snap.AttendanceID, "reason", reason)
	} else {
		c.log.Error("emergency checkout failed", "attendance_id", snap.AttendanceID, "reason", reason, "error", res.Err)
	}
	return out
}

func (c *Controller) stop(ctx context.Context, reason string) {
	if err := c.bridge.Stop(ctx, ""); err != nil {
		c.log.Error("stop tracking failed", "reason", reason, "error", err)
	}
}
