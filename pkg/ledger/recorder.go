package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"

	"github.com/rs/zerolog"
)

const (
	// DefaultQueueSize is the number of events buffered ahead of the writer.
	DefaultQueueSize = 1024

	recordTimeout = 2 * time.Second
)

// Recorder writes instance lifecycle notifications to the ledger. Events are
// queued and written by a single goroutine, so a slow database never stalls
// the caller. When the queue is full the event is dropped and logged.
type Recorder struct {
	instance.NopObserver
	store  *Store
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.InstanceEvent
	done   chan struct{}
}

// NewRecorder creates an observer backed by store and starts its writer.
// Close must be called before the store is closed.
func NewRecorder(store *Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		store:  store,
		logger: log.With("ledger"),
		queue:  make(chan models.InstanceEvent, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.write(event)
	}
}

func (r *Recorder) write(event models.InstanceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if _, err := r.store.Record(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("instance", event.Name).Str("kind", event.Kind).Msg("Failed to record instance event")
	}
}

func (r *Recorder) record(event models.InstanceEvent) {
	event.CreatedAt = time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.logger.Warn().Str("instance", event.Name).Str("kind", event.Kind).Msg("Ledger queue full, dropping event")
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) InstanceRegistered(name string) {
	r.record(models.InstanceEvent{Name: name, Kind: KindRegistered})
}

func (r *Recorder) ProbeAttempted(a models.ProbeAttempt) {
	detail := "ok"
	if a.Err != nil {
		detail = a.Err.Error()
	}
	r.record(models.InstanceEvent{Name: a.Name, Kind: KindProbeAttempt, Attempt: a.Attempt, Detail: detail})
}

func (r *Recorder) InstanceReady(name string, attempts int) {
	r.record(models.InstanceEvent{Name: name, Kind: KindReady, Attempt: attempts})
}

// InstanceUnavailable keeps the last connection error next to the client
// facing message.
func (r *Recorder) InstanceUnavailable(name string, err error) {
	detail := err.Error()
	if cause := errors.Unwrap(err); cause != nil {
		detail += ": " + cause.Error()
	}
	r.record(models.InstanceEvent{Name: name, Kind: KindUnavailable, Detail: detail})
}

func (r *Recorder) InstanceRecycled(name string) {
	r.record(models.InstanceEvent{Name: name, Kind: KindRecycled})
}
