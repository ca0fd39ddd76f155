package instance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when an instance never became reachable.
	ErrUnavailable = errors.New("instance unavailable")

	// ErrTimeout is returned when a forwarded request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrTransport is returned for any other forwarding failure.
	ErrTransport = errors.New("transport error")

	// ErrProbeTimeout is the cause recorded when the probe deadline elapses.
	ErrProbeTimeout = errors.New("instance operation timed out")

	// ErrEmptyPool is returned when a pool of size zero is requested.
	ErrEmptyPool = errors.New("pool size must be positive")
)

// UnavailableError reports an exhausted readiness probe. The message is the
// one shown to clients; the last probe error stays reachable through Unwrap.
type UnavailableError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *UnavailableError) Error() string {
	noun := "attempts"
	if e.Attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("Container connection failed after %d %s", e.Attempts, noun)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the probe deadline ended the acquisition.
func (e *UnavailableError) Timeout() bool {
	return errors.Is(e.Cause, ErrProbeTimeout)
}

// TimeoutError reports a forwarded request that ran past its deadline.
type TimeoutError struct {
	Name  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "Request timed out after " + humanDuration(e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError wraps a network or protocol failure while forwarding.
type TransportError struct {
	Name  string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return ErrTransport.Error()
	}
	return e.Cause.Error()
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d >= time.Second && d%time.Second == 0:
		n := int(d / time.Second)
		if n == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", n)
	default:
		return d.String()
	}
}
