package attendance

import (
	"context"

	"fieldtrack/internal/queue"
)

// API is the remote attendance service. It is the source of truth for
// verification outcome and computed work hours.
type API interface {
	CheckIn(ctx context.Context, payload CheckInPayload) (*Record, error)
	CheckOut(ctx context.Context, payload CheckOutPayload) (*Record, error)
	Status(ctx context.Context, employeeID string) (*Record, error)
	UpdateLocation(ctx context.Context, attendanceID string, point LocationPoint) error
}

// Tracker starts and stops background location delivery.
type Tracker interface {
	Start(ctx context.Context, subjectID, subjectName string) error
	Stop(ctx context.Context, closeout string) error
}

// OfflineQueue defers mutations that failed for transient reasons.
type OfflineQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, subjectID string, payload any) (queue.Item, error)
}

// LocationProvider obtains a fresh fix when the caller did not supply one.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (*LocationPoint, error)
}

// DeviceInfoProvider snapshots the device.
type DeviceInfoProvider interface {
	DeviceInfo(ctx context.Context) DeviceInfo
}

// SelfieStore uploads inline selfie data and returns a URL to send instead.
type SelfieStore interface {
	Store(ctx context.Context, employeeID, data string) (string, error)
}

// ConnectivityReporter is told when a request failed for connectivity
// reasons, so the next successful probe triggers a queue drain.
// connectivity.Monitor implements it.
type ConnectivityReporter interface {
	SetOnline(ctx context.Context, online bool)
}

// Observer receives operation outcomes. metrics.Metrics implements it.
type Observer interface {
	AttendanceOperation(op, outcome string)
	LocationTick()
}
