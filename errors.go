package p1status

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by [Coordinator.Start] when the
	// coordinator is already running.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrStopped is returned when an operation is attempted on a stopped
	// coordinator. A stopped coordinator cannot be restarted; create a new one.
	ErrStopped = errors.New("coordinator stopped")

	// ErrNotRunning is returned by [Coordinator.Refresh] before Start succeeds.
	ErrNotRunning = errors.New("coordinator not running")
)

// NetworkError reports that the device could not be reached: connection
// refused, DNS failure, connection reset and similar transport failures.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports that the request exceeded the endpoint timeout.
// The timeout covers the whole request, connect and body read included.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout fetching %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError reports a response with an HTTP status other than 200.
type ProtocolError struct {
	URL        string
	StatusCode int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// DecodeError reports a body that is not valid for the endpoint's
// [DecodeMode].
type DecodeError struct {
	URL  string
	Mode DecodeMode
	Err  error
}

func (e *DecodeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("decode %s body: %v", e.Mode, e.Err)
	}
	return fmt.Sprintf("decode %s body from %s: %v", e.Mode, e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorKind returns a short, stable label for err suitable for logs and API
// responses: "network", "timeout", "protocol", "decode" or "unknown".
// Returns "" for a nil error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var (
		netErr     *NetworkError
		timeoutErr *TimeoutError
		protoErr   *ProtocolError
		decodeErr  *DecodeError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &decodeErr):
		return "decode"
	default:
		return "unknown"
	}
}
