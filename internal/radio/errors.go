package radio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	ConnectionLost   ConnectionState = "connection_lost"
	DriverStatus     ConnectionState = "driver_status"
)

// ConnectionError reports a connection-level problem, typically a non-success
// status delivered by the driver.
type ConnectionError struct {
	State  ConnectionState
	Status Status
	Msg    string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.State)
	}
	if e.State == DriverStatus || (e.Status != StatusSuccess && e.State == ConnectionLost) {
		return fmt.Sprintf("%s: %s", msg, e.Status)
	}
	return msg
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return t.State == "" || e.State == t.State
}

// StatusError builds a ConnectionError for a failed driver completion
func StatusError(msg string, status Status) *ConnectionError {
	return &ConnectionError{State: DriverStatus, Status: status, Msg: msg}
}

// TimeoutError reports that an operation or an attempt window was exceeded
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	switch {
	case e.Op == "":
		return "timeout"
	case e.After > 0:
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	default:
		return fmt.Sprintf("%s timed out", e.Op)
	}
}

func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// CanceledError reports an explicit cancellation. It also matches context.Canceled.
type CanceledError struct {
	Op string
}

func (e *CanceledError) Error() string {
	if e.Op == "" {
		return "canceled"
	}
	return e.Op + " canceled"
}

func (e *CanceledError) Is(target error) bool {
	_, ok := target.(*CanceledError)
	return ok
}

func (e *CanceledError) Unwrap() error {
	return context.Canceled
}

// RadioUnavailableError reports an adapter that is off, unsupported or unauthorized
type RadioUnavailableError struct {
	State AdapterState
	Err   error
}

func (e *RadioUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bluetooth adapter unavailable (%s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("bluetooth adapter unavailable (%s)", e.State)
}

func (e *RadioUnavailableError) Is(target error) bool {
	_, ok := target.(*RadioUnavailableError)
	return ok
}

func (e *RadioUnavailableError) Unwrap() error {
	return e.Err
}

// ScanError reports a driver-level scan failure
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return "scan failed"
	}
	return fmt.Sprintf("scan failed: %v", e.Err)
}

func (e *ScanError) Is(target error) bool {
	_, ok := target.(*ScanError)
	return ok
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Predefined sentinels for errors.Is
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrConnectionLost   = &ConnectionError{State: ConnectionLost}
	ErrConnection       = &ConnectionError{}
	ErrTimeout          = &TimeoutError{}
	ErrCanceled         = &CanceledError{}
	ErrRadioUnavailable = &RadioUnavailableError{}
	ErrScan             = &ScanError{}
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
