package attendance

import "time"

// Status is the attendance lifecycle state of an employee.
type Status string

const (
	StatusCheckedOut Status = "CHECKED_OUT"
	StatusCheckedIn  Status = "CHECKED_IN"
)

// VerificationStatus is the human-review outcome of a session's proof.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationRejected VerificationStatus = "REJECTED"
	VerificationFlagged  VerificationStatus = "FLAGGED"
)

// Employee identifies the owner of a session.
type Employee struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
}

// LocationPoint is a single geolocation fix.
type LocationPoint struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	Timestamp    time.Time `json:"timestamp"`
	BatteryLevel *int      `json:"batteryLevel,omitempty"`
}

// DeviceInfo is the device snapshot attached to every attendance mutation.
type DeviceInfo struct {
	BatteryLevel int    `json:"batteryLevel"`
	Platform     string `json:"platform"`
	AppVersion   string `json:"appVersion"`
	Model        string `json:"model"`
}

// State is a copy of the session as seen by callers.
type State struct {
	EmployeeID         string             `json:"employeeId"`
	AttendanceID       string             `json:"attendanceId,omitempty"`
	Status             Status             `json:"status"`
	VerificationStatus VerificationStatus `json:"verificationStatus,omitempty"`
	CheckInTime        *time.Time         `json:"checkInTime,omitempty"`
	CheckOutTime       *time.Time         `json:"checkOutTime,omitempty"`
	WorkHours          *float64           `json:"workHours,omitempty"`
	TotalDistance      *float64           `json:"totalDistance,omitempty"`
	IsCheckingIn       bool               `json:"isCheckingIn"`
	IsCheckingOut      bool               `json:"isCheckingOut"`
	Error              string             `json:"error,omitempty"`
}

// Record is the server's view of one attendance session.
type Record struct {
	AttendanceID       string             `json:"attendanceId"`
	EmployeeID         string             `json:"employeeId,omitempty"`
	Status             Status             `json:"status,omitempty"`
	VerificationStatus VerificationStatus `json:"verificationStatus,omitempty"`
	CheckInTime        *time.Time         `json:"checkInTime,omitempty"`
	CheckOutTime       *time.Time         `json:"checkOutTime,omitempty"`
	WorkHours          *float64           `json:"workHours,omitempty"`
	TotalDistance      *float64           `json:"totalDistance,omitempty"`
	CheckInLocation    *LocationPoint     `json:"checkInLocation,omitempty"`
	CheckOutLocation   *LocationPoint     `json:"checkOutLocation,omitempty"`
	IsEmergency        bool               `json:"isEmergencyCheckout,omitempty"`
	EmergencyReason    string             `json:"emergencyReason,omitempty"`
}

// CheckInPayload is the body of POST /attendance/checkin.
type CheckInPayload struct {
	EmployeeID string        `json:"employeeId"`
	Location   LocationPoint `json:"location"`
	SelfieData string        `json:"selfieData,omitempty"`
	DeviceInfo DeviceInfo    `json:"deviceInfo"`
	Notes      string        `json:"notes,omitempty"`
}

// CheckOutPayload is the body of POST /attendance/checkout. Emergency
// checkouts use the same endpoint with IsEmergency set.
type CheckOutPayload struct {
	AttendanceID  string        `json:"attendanceId"`
	EmployeeID    string        `json:"employeeId"`
	Location      LocationPoint `json:"location"`
	SelfieData    string        `json:"selfieData,omitempty"`
	DeviceInfo    DeviceInfo    `json:"deviceInfo"`
	Notes         string        `json:"notes,omitempty"`
	IsEmergency   bool          `json:"isEmergency,omitempty"`
	Reason        string        `json:"emergencyReason,omitempty"`
	LastKnownTime *time.Time    `json:"lastKnownTime,omitempty"`
	RequestedAt   time.Time     `json:"requestedAt"`
}

// CheckInRequest is what the UI submits. Location and DeviceInfo are
// resolved from the session's providers when nil.
type CheckInRequest struct {
	Location   *LocationPoint `json:"location,omitempty"`
	SelfieData string         `json:"selfieData,omitempty"`
	DeviceInfo *DeviceInfo    `json:"deviceInfo,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// CheckOutRequest is what the UI submits. AttendanceID defaults to the open
// session.
type CheckOutRequest struct {
	AttendanceID string         `json:"attendanceId,omitempty"`
	Location     *LocationPoint `json:"location,omitempty"`
	SelfieData   string         `json:"selfieData,omitempty"`
	DeviceInfo   *DeviceInfo    `json:"deviceInfo,omitempty"`
	Notes        string         `json:"notes,omitempty"`
}

// EmergencyCheckOutRequest forces a checkout without the UI flow.
type EmergencyCheckOutRequest struct {
	AttendanceID  string
	Reason        string
	Location      *LocationPoint
	LastKnownTime *time.Time
	DeviceInfo    *DeviceInfo
}

// Closeout is handed to the background location service when tracking
// stops so it can flush buffered data with the checkout.
type Closeout struct {
	AttendanceID string     `json:"attendanceId"`
	CheckOutTime time.Time  `json:"checkOutTime"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
}

// Result is returned by every session operation instead of an error.
type Result struct {
	Success      bool    `json:"success"`
	Queued       bool    `json:"queued,omitempty"`
	Message      string  `json:"message,omitempty"`
	AttendanceID string  `json:"attendanceId,omitempty"`
	Record       *Record `json:"data,omitempty"`
	Err          error   `json:"-"`
}
