package instance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pgrestgw/pkg/models"

	"github.com/dustin/go-humanize"
)

// Handle is the capability a hosting platform grants for one backend
// instance.
type Handle interface {
	Name() string
	// Probe checks that the instance accepts connections on its root path.
	// Any HTTP response counts as reachable.
	Probe(ctx context.Context) error
	// Send forwards a request and returns the complete response.
	Send(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error)
}

// Platform opens handles by name. Opening must not perform I/O; the
// platform starts the backing process on first use.
type Platform interface {
	Open(name string) Handle
}

// Instance is a registry entry: a platform handle plus its liveness.
type Instance struct {
	Handle

	createdAt time.Time
	forwarded atomic.Int64

	mu        sync.Mutex
	liveness  models.Liveness
	lastReady time.Time
	lastError string
	attempts  int
	recycles  int
}

func newInstance(h Handle, now time.Time) *Instance {
	return &Instance{
		Handle:    h,
		createdAt: now,
		liveness:  models.LivenessCold,
	}
}

// Liveness returns the current state.
func (i *Instance) Liveness() models.Liveness {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.liveness
}

func (i *Instance) markProbing() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.liveness = models.LivenessProbing
}

func (i *Instance) recordAttempt(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempts++
	if err != nil {
		i.lastError = err.Error()
	}
}

func (i *Instance) markReady(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.liveness = models.LivenessReady
	i.lastReady = now
	i.lastError = ""
}

func (i *Instance) markUnavailable(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.liveness = models.LivenessUnavailable
	if err != nil {
		i.lastError = err.Error()
	}
}

func (i *Instance) markCold() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.liveness = models.LivenessCold
	i.recycles++
}

func (i *Instance) status(now time.Time) models.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	status := models.InstanceStatus{
		Name:          i.Name(),
		Liveness:      i.liveness,
		CreatedAt:     i.createdAt,
		Age:           strings.TrimSpace(humanize.RelTime(i.createdAt, now, "", "")),
		LastError:     i.lastError,
		ProbeAttempts: i.attempts,
		Forwarded:     i.forwarded.Load(),
		Recycles:      i.recycles,
	}
	if !i.lastReady.IsZero() {
		lastReady := i.lastReady
		status.LastReady = &lastReady
	}
	return status
}
