package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fieldtrack/internal/queue"
)

type operation string

const (
	opCheckIn   operation = "checkin"
	opCheckOut  operation = "checkout"
	opEmergency operation = "emergency_checkout"
)

func (o operation) label() string {
	switch o {
	case opCheckIn:
		return "check-in"
	case opEmergency:
		return "emergency check-out"
	default:
		return "check-out"
	}
}

// Deps are the collaborators of a Session. API is required; the rest are
// optional.
type Deps struct {
	API      API
	Tracker  Tracker
	Queue    OfflineQueue
	Locator  LocationProvider
	Device   DeviceInfoProvider
	Selfies  SelfieStore
	Observer Observer
	Logger   *slog.Logger
	Clock    func() time.Time

	// Connectivity is marked offline when a check-out is deferred or a
	// replay fails for connectivity reasons.
	Connectivity ConnectivityReporter

	// HistoryCapacity defaults to DefaultHistoryCapacity.
	HistoryCapacity int
}

// Session owns the attendance state of one employee. Callers issue one
// check-in or check-out at a time; a second command while one is running is
// refused with ErrOperationInProgress. Location ticks may arrive from any
// goroutine.
type Session struct {
	mu    sync.Mutex
	state State

	employee Employee
	api      API
	tracker  Tracker
	queue    OfflineQueue
	locator  LocationProvider
	device   DeviceInfoProvider
	selfies  SelfieStore
	observer Observer
	link     ConnectivityReporter
	history  *LocationHistory
	log      *slog.Logger
	now      func() time.Time
}

// NewSession returns a checked-out session for employee.
func NewSession(employee Employee, deps Deps) *Session {
	s := &Session{
		state:    State{EmployeeID: employee.ID, Status: StatusCheckedOut},
		employee: employee,
		api:      deps.API,
		tracker:  deps.Tracker,
		queue:    deps.Queue,
		locator:  deps.Locator,
		link:     deps.Connectivity,
		device:   deps.Device,
		selfies:  deps.Selfies,
		observer: deps.Observer,
		history:  NewLocationHistory(deps.HistoryCapacity),
		log:      deps.Logger,
		now:      deps.Clock,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.log.With("employee_id", employee.ID)
	return s
}

// Employee returns the session owner.
func (s *Session) Employee() Employee { return s.employee }

// State returns a copy of the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locations returns the retained location points, oldest first.
func (s *Session) Locations() []LocationPoint {
	return s.history.Points()
}

// CheckIn opens a session. A live round-trip is required: failures are
// reported and never queued.
func (s *Session) CheckIn(ctx context.Context, req CheckInRequest) Result {
	if err := s.begin(opCheckIn); err != nil {
		return s.fail(opCheckIn, err)
	}
	defer s.end(opCheckIn)

	loc, err := s.resolveLocation(ctx, req.Location)
	if err != nil {
		s.log.Warn("check-in blocked: no location", "error", err)
		return s.fail(opCheckIn, err)
	}
	device := s.deviceInfo(ctx, req.DeviceInfo)

	selfie, err := s.storeSelfie(ctx, req.SelfieData)
	if err != nil {
		return s.fail(opCheckIn, err)
	}

	rec, err := s.api.CheckIn(ctx, CheckInPayload{
		EmployeeID: s.employee.ID,
		Location:   loc,
		SelfieData: selfie,
		DeviceInfo: device,
		Notes:      req.Notes,
	})
	if err != nil {
		s.log.Error("check-in failed", "error", err)
		return s.fail(opCheckIn, err)
	}
	if rec == nil || rec.AttendanceID == "" || rec.CheckInTime == nil {
		return s.fail(opCheckIn, fmt.Errorf("%w: check-in record missing id or time", ErrMalformedResponse))
	}

	out := s.applyCheckIn(ctx, rec)
	s.observe(opCheckIn, "success")
	s.log.Info("checked in", "attendance_id", out.AttendanceID, "verification", out.VerificationStatus)
	return Result{Success: true, Message: "Checked in successfully", AttendanceID: out.AttendanceID, Record: &out}
}

// CheckOut closes the open session. Transient failures are deferred to the
// offline queue and reported as Queued; the session stays checked in until
// the queued request is replayed.
func (s *Session) CheckOut(ctx context.Context, req CheckOutRequest) Result {
	if err := s.begin(opCheckOut); err != nil {
		return s.fail(opCheckOut, err)
	}
	defer s.end(opCheckOut)

	attendanceID := req.AttendanceID
	if attendanceID == "" {
		attendanceID = s.State().AttendanceID
	}
	if attendanceID == "" {
		return s.fail(opCheckOut, ErrNotCheckedIn)
	}

	loc, err := s.resolveLocation(ctx, req.Location)
	if err != nil {
		s.log.Warn("check-out blocked: no location", "error", err)
		return s.fail(opCheckOut, err)
	}
	device := s.deviceInfo(ctx, req.DeviceInfo)

	selfie, err := s.storeSelfie(ctx, req.SelfieData)
	if err != nil {
		return s.fail(opCheckOut, err)
	}

	payload := CheckOutPayload{
		AttendanceID: attendanceID,
		EmployeeID:   s.employee.ID,
		Location:     loc,
		SelfieData:   selfie,
		DeviceInfo:   device,
		Notes:        req.Notes,
		RequestedAt:  s.now().UTC(),
	}
	rec, err := s.api.CheckOut(ctx, payload)
	if err != nil {
		if IsTransient(err) {
			return s.deferCheckOut(ctx, payload, err)
		}
		s.log.Error("check-out failed", "attendance_id", attendanceID, "error", err)
		return s.fail(opCheckOut, err)
	}
	if rec == nil {
		return s.fail(opCheckOut, fmt.Errorf("%w: empty check-out record", ErrMalformedResponse))
	}

	out := s.completeCheckOut(ctx, attendanceID, rec, device, false)
	s.observe(opCheckOut, "success")
	s.log.Info("checked out", "attendance_id", attendanceID, "work_hours", out.WorkHours)
	return Result{Success: true, Message: "Checked out successfully", AttendanceID: attendanceID, Record: &out}
}

// EmergencyCheckOut force-closes a session on logout, expiry or stale
// tracking. It never waits for a location fix, always marks the session
// FLAGGED for review, and always stops tracking whatever the API says.
func (s *Session) EmergencyCheckOut(ctx context.Context, req EmergencyCheckOutRequest) Result {
	now := s.now().UTC()
	device := s.deviceInfo(ctx, req.DeviceInfo)

	attendanceID := req.AttendanceID
	if attendanceID == "" {
		attendanceID = s.State().AttendanceID
	}
	if attendanceID == "" {
		s.stopTracking(ctx, attendanceID, now, device)
		return s.fail(opEmergency, ErrNotCheckedIn)
	}

	loc := LocationPoint{Timestamp: now}
	if req.Location != nil {
		loc = *req.Location
	} else if last, ok := s.history.Last(); ok {
		loc = last
	}
	reason := req.Reason
	if reason == "" {
		reason = "emergency checkout"
	}

	rec, err := s.api.CheckOut(ctx, CheckOutPayload{
		AttendanceID:  attendanceID,
		EmployeeID:    s.employee.ID,
		Location:      loc,
		DeviceInfo:    device,
		IsEmergency:   true,
		Reason:        reason,
		LastKnownTime: req.LastKnownTime,
		RequestedAt:   now,
	})
	if err != nil {
		s.log.Error("emergency check-out failed", "attendance_id", attendanceID, "reason", reason, "error", err)
		s.stopTracking(ctx, attendanceID, now, device)
		return s.fail(opEmergency, err)
	}
	if rec == nil {
		rec = &Record{}
	}

	out := s.completeCheckOut(ctx, attendanceID, rec, device, true)
	out.IsEmergency = true
	out.EmergencyReason = reason
	s.observe(opEmergency, "success")
	s.log.Warn("emergency check-out recorded", "attendance_id", attendanceID, "reason", reason)
	return Result{Success: true, Message: "Emergency check-out recorded", AttendanceID: attendanceID, Record: &out}
}

// Replay re-sends a mutation deferred by the offline queue. A replayed
// check-out that matches the open session closes it.
func (s *Session) Replay(ctx context.Context, item queue.Item) error {
	switch item.Kind {
	case queue.KindCheckOut:
		var payload CheckOutPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("decode queued check-out %s: %w", item.ID, err)
		}
		rec, err := s.api.CheckOut(ctx, payload)
		if err != nil {
			if isAlreadyApplied(err) {
				s.log.Info("queued check-out already applied on server", "id", item.ID, "attendance_id", payload.AttendanceID)
				return nil
			}
			if IsTransient(err) {
				s.reportOffline(ctx)
			}
			return err
		}
		if rec == nil {
			rec = &Record{}
		}
		if st := s.State(); st.Status == StatusCheckedIn && st.AttendanceID == payload.AttendanceID {
			s.completeCheckOut(ctx, payload.AttendanceID, rec, payload.DeviceInfo, payload.IsEmergency)
		}
		s.log.Info("queued check-out replayed", "id", item.ID, "attendance_id", payload.AttendanceID)
		return nil

	case queue.KindCheckIn:
		return fmt.Errorf("replay %s: %w", item.ID, ErrCheckInNotQueued)

	default:
		return fmt.Errorf("unknown queued mutation kind %q", item.Kind)
	}
}

// Discarded is called by the offline queue when a deferred mutation ran out of
// retries. A lost check-out leaves the session open, so the user is told to
// check out again.
func (s *Session) Discarded(_ context.Context, item queue.Item, cause error) {
	if item.Kind != queue.KindCheckOut {
		s.log.Error("queued mutation discarded", "id", item.ID, "kind", item.Kind, "error", cause)
		return
	}
	var payload CheckOutPayload
	_ = json.Unmarshal(item.Payload, &payload)

	s.mu.Lock()
	if s.state.Status == StatusCheckedIn && s.state.AttendanceID == payload.AttendanceID {
		s.state.Error = "Your check-out could not be sent after several attempts. Please check out again"
	}
	s.mu.Unlock()
	s.observe(opCheckOut, "discarded")
	s.log.Error("queued check-out discarded", "id", item.ID, "attendance_id", payload.AttendanceID,
		"retry_count", item.RetryCount+1, "error", cause)
}

// RecordLocation appends a tick to the session's location history. It only
// touches memory and never blocks on I/O.
func (s *Session) RecordLocation(p LocationPoint) {
	s.history.Append(p)
	if s.observer != nil {
		s.observer.LocationTick()
	}
}

// SyncLocation forwards p to the server for the open session.
func (s *Session) SyncLocation(ctx context.Context, p LocationPoint) error {
	id := s.State().AttendanceID
	if id == "" {
		return ErrNotCheckedIn
	}
	if err := s.api.UpdateLocation(ctx, id, p); err != nil {
		return fmt.Errorf("location update for %s: %w", id, err)
	}
	return nil
}

// RefreshStatus reconciles local state with the server's view of the
// employee. When the server reports an open session, tracking is (re)started.
func (s *Session) RefreshStatus(ctx context.Context) (State, error) {
	rec, err := s.api.Status(ctx, s.employee.ID)
	if err != nil {
		return s.State(), fmt.Errorf("fetch attendance status: %w", err)
	}

	open := rec != nil && rec.Status == StatusCheckedIn && rec.AttendanceID != "" && rec.CheckInTime != nil
	s.mu.Lock()
	if open {
		t := rec.CheckInTime.UTC()
		s.state.Status = StatusCheckedIn
		s.state.AttendanceID = rec.AttendanceID
		s.state.CheckInTime = &t
		s.state.CheckOutTime = nil
		s.state.WorkHours = nil
		s.state.TotalDistance = copyFloat(rec.TotalDistance)
	} else {
		s.state.Status = StatusCheckedOut
		s.state.AttendanceID = ""
		if rec != nil {
			s.state.CheckInTime = utcPtr(rec.CheckInTime)
			s.state.CheckOutTime = utcPtr(rec.CheckOutTime)
			s.state.WorkHours = copyFloat(rec.WorkHours)
			s.state.TotalDistance = copyFloat(rec.TotalDistance)
		}
	}
	if rec != nil && rec.VerificationStatus != "" {
		s.state.VerificationStatus = rec.VerificationStatus
	}
	st := s.state
	s.mu.Unlock()

	if open {
		s.startTracking(ctx)
	}
	return st, nil
}

// Reset clears every field of the session, including the attendance id, and
// drops the location history.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = State{EmployeeID: s.employee.ID, Status: StatusCheckedOut}
	s.mu.Unlock()
	s.history.Reset()
}

func (s *Session) begin(op operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsCheckingIn || s.state.IsCheckingOut {
		return ErrOperationInProgress
	}
	if op == opCheckIn && s.state.Status == StatusCheckedIn {
		return ErrAlreadyCheckedIn
	}
	s.state.Error = ""
	if op == opCheckIn {
		s.state.IsCheckingIn = true
	} else {
		s.state.IsCheckingOut = true
	}
	return nil
}

func (s *Session) end(op operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == opCheckIn {
		s.state.IsCheckingIn = false
	} else {
		s.state.IsCheckingOut = false
	}
}

func (s *Session) fail(op operation, err error) Result {
	msg := userMessage(op, err)
	s.mu.Lock()
	s.state.Error = msg
	s.mu.Unlock()
	s.observe(op, "failure")
	return Result{Success: false, Message: msg, Err: err}
}

func (s *Session) deferCheckOut(ctx context.Context, payload CheckOutPayload, cause error) Result {
	if s.queue == nil {
		return s.fail(opCheckOut, cause)
	}
	item, err := s.queue.Enqueue(ctx, queue.KindCheckOut, s.employee.ID, payload)
	if err != nil {
		s.log.Error("check-out could not be queued", "attendance_id", payload.AttendanceID, "cause", cause, "error", err)
		return s.fail(opCheckOut, errors.Join(cause, err))
	}

	msg := "You're offline. Check-out saved and will be sent when the connection is restored"
	s.mu.Lock()
	s.state.Error = msg
	s.mu.Unlock()
	s.observe(opCheckOut, "queued")
	s.log.Warn("check-out queued for retry", "attendance_id", payload.AttendanceID, "queue_item", item.ID, "cause", cause)
	s.reportOffline(ctx)
	return Result{Success: false, Queued: true, Message: msg, AttendanceID: payload.AttendanceID, Err: cause}
}

func (s *Session) applyCheckIn(ctx context.Context, rec *Record) Record {
	t := rec.CheckInTime.UTC()
	verification := rec.VerificationStatus
	if verification == "" {
		verification = VerificationPending
	}

	s.mu.Lock()
	s.state.Status = StatusCheckedIn
	s.state.AttendanceID = rec.AttendanceID
	s.state.CheckInTime = &t
	s.state.CheckOutTime = nil
	s.state.WorkHours = nil
	s.state.TotalDistance = copyFloat(rec.TotalDistance)
	s.state.VerificationStatus = verification
	s.state.Error = ""
	s.mu.Unlock()
	s.history.Reset()

	s.startTracking(ctx)

	out := *rec
	out.CheckInTime = &t
	out.VerificationStatus = verification
	if out.Status == "" {
		out.Status = StatusCheckedIn
	}
	return out
}

func (s *Session) completeCheckOut(ctx context.Context, attendanceID string, rec *Record, device DeviceInfo, emergency bool) Record {
	checkOut := s.now().UTC()
	if rec.CheckOutTime != nil {
		checkOut = rec.CheckOutTime.UTC()
	}
	verification := rec.VerificationStatus
	if verification == "" {
		verification = VerificationPending
	}
	if emergency {
		verification = VerificationFlagged
	}

	s.mu.Lock()
	s.state.Status = StatusCheckedOut
	s.state.AttendanceID = ""
	s.state.CheckOutTime = &checkOut
	s.state.WorkHours = copyFloat(rec.WorkHours)
	s.state.TotalDistance = copyFloat(rec.TotalDistance)
	s.state.VerificationStatus = verification
	s.state.Error = ""
	s.mu.Unlock()

	s.stopTracking(ctx, attendanceID, checkOut, device)

	out := *rec
	if out.AttendanceID == "" {
		out.AttendanceID = attendanceID
	}
	out.Status = StatusCheckedOut
	out.CheckOutTime = &checkOut
	out.VerificationStatus = verification
	return out
}

func (s *Session) startTracking(ctx context.Context) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.Start(ctx, s.employee.ID, s.employee.FirstName); err != nil {
		s.log.Warn("location tracking failed to start", "error", err)
	}
}

func (s *Session) stopTracking(ctx context.Context, attendanceID string, at time.Time, device DeviceInfo) {
	if s.tracker == nil {
		return
	}
	closeout, err := json.Marshal(Closeout{AttendanceID: attendanceID, CheckOutTime: at, DeviceInfo: device})
	if err != nil {
		s.log.Warn("encode tracking closeout", "error", err)
	}
	if err := s.tracker.Stop(ctx, string(closeout)); err != nil {
		s.log.Warn("location tracking failed to stop", "attendance_id", attendanceID, "error", err)
	}
}

func (s *Session) resolveLocation(ctx context.Context, given *LocationPoint) (LocationPoint, error) {
	var p LocationPoint
	switch {
	case given != nil:
		p = *given
	case s.locator != nil:
		fix, err := s.locator.CurrentLocation(ctx)
		if err != nil {
			return LocationPoint{}, fmt.Errorf("%w: %v", ErrLocationRequired, err)
		}
		if fix == nil {
			return LocationPoint{}, ErrLocationRequired
		}
		p = *fix
	default:
		return LocationPoint{}, ErrLocationRequired
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return LocationPoint{}, ErrInvalidLocation
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	p.Timestamp = p.Timestamp.UTC()
	return p, nil
}

func (s *Session) deviceInfo(ctx context.Context, given *DeviceInfo) DeviceInfo {
	if given != nil {
		return *given
	}
	if s.device != nil {
		return s.device.DeviceInfo(ctx)
	}
	return DeviceInfo{}
}

func (s *Session) storeSelfie(ctx context.Context, data string) (string, error) {
	if s.selfies == nil || !strings.HasPrefix(data, "data:") {
		return data, nil
	}
	url, err := s.selfies.Store(ctx, s.employee.ID, data)
	if err != nil {
		return "", fmt.Errorf("upload selfie: %w", err)
	}
	return url, nil
}

func (s *Session) reportOffline(ctx context.Context) {
	if s.link != nil {
		s.link.SetOnline(ctx, false)
	}
}

func (s *Session) observe(op operation, outcome string) {
	if s.observer != nil {
		s.observer.AttendanceOperation(string(op), outcome)
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
