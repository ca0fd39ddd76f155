package process

import "errors"

var (
	// ErrNoPorts is returned when the port range is exhausted.
	ErrNoPorts = errors.New("no available ports")

	// ErrNoCommand is returned when the platform has nothing to launch.
	ErrNoCommand = errors.New("instance command is required")

	// ErrStopped is returned by handles after the platform shut down.
	ErrStopped = errors.New("process platform stopped")
)
