package models

import "time"

// Liveness is the readiness state of one backend instance.
type Liveness string

const (
	LivenessUnknown     Liveness = "unknown"
	LivenessCold        Liveness = "cold"
	LivenessProbing     Liveness = "probing"
	LivenessReady       Liveness = "ready"
	LivenessUnavailable Liveness = "unavailable"
)

// InstanceStatus represents the registry view of a backend instance.
type InstanceStatus struct {
	Name          string     `json:"name"`
	Liveness      Liveness   `json:"liveness"`
	CreatedAt     time.Time  `json:"created_at"`
	Age           string     `json:"age"`
	LastReady     *time.Time `json:"last_ready,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ProbeAttempts int        `json:"probe_attempts"`
	Forwarded     int64      `json:"forwarded"`
	Recycles      int        `json:"recycles"`
}

// ProbeAttempt is one connectivity check against an instance.
type ProbeAttempt struct {
	Name    string
	Attempt int
	Of      int
	Err     error
	Elapsed time.Duration
}

// OK reports whether the attempt reached the instance.
func (a ProbeAttempt) OK() bool {
	return a.Err == nil
}

// InstanceEvent is a recorded lifecycle transition.
type InstanceEvent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
