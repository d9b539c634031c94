package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Validation errors. These are surfaced to the caller and never queued.
var (
	ErrLocationRequired    = errors.New("location is required")
	ErrInvalidLocation     = errors.New("location coordinates out of range")
	ErrNotCheckedIn        = errors.New("not checked in")
	ErrAlreadyCheckedIn    = errors.New("already checked in")
	ErrOperationInProgress = errors.New("another attendance operation is in progress")
	ErrMalformedResponse   = errors.New("malformed server response")
	ErrCheckInNotQueued    = errors.New("check-ins are never queued")
)

// RejectedError is an explicit refusal from the attendance API.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("attendance api rejected request (%d)", e.StatusCode)
	}
	return fmt.Sprintf("attendance api rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is a connectivity failure worth retrying
// later: timeouts, dial and DNS errors, dropped connections, and gateway
// responses that never reached the attendance service.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		switch rejected.StatusCode {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "timed out", "network", "connection refused", "connection reset", "no such host", "offline"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isAlreadyApplied reports a replayed mutation the server has already seen.
func isAlreadyApplied(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.StatusCode == http.StatusConflict
}

// userMessage renders err for display.
func userMessage(op operation, err error) string {
	var rejected *RejectedError
	switch {
	case errors.Is(err, ErrLocationRequired):
		return "Location is required for " + op.label()
	case errors.Is(err, ErrInvalidLocation):
		return "Location coordinates are invalid"
	case errors.Is(err, ErrNotCheckedIn):
		return "You are not checked in"
	case errors.Is(err, ErrAlreadyCheckedIn):
		return "You are already checked in"
	case errors.Is(err, ErrOperationInProgress):
		return "Another attendance action is still in progress"
	case errors.Is(err, ErrMalformedResponse):
		return "Unexpected response from server"
	case errors.As(err, &rejected) && rejected.Message != "" && !IsTransient(err):
		return rejected.Message
	case IsTransient(err):
		return "Network unavailable, please check your connection and try again"
	default:
		return fmt.Sprintf("%s failed: %v", capitalize(op.label()), err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
