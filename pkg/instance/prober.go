package instance

import (
	"context"
	"time"

	"pgrestgw/pkg/models"
)

const (
	DefaultProbeAttempts = 3
	DefaultProbeBackoff  = 5 * time.Second
	DefaultProbeDeadline = 240 * time.Second
)

// ProbeConfig bounds a readiness probe.
type ProbeConfig struct {
	Attempts int
	Backoff  time.Duration
	Deadline time.Duration
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultProbeAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = DefaultProbeBackoff
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultProbeDeadline
	}
	return c
}

// Prober waits for an instance to accept connections. Attempts within one
// call run strictly in sequence under a single deadline.
type Prober struct {
	cfg      ProbeConfig
	clock    Clock
	observer Observer
}

// NewProber creates a prober. A zero Backoff is kept as-is so tests can
// probe without waiting.
func NewProber(cfg ProbeConfig, clock Clock, observer Observer) *Prober {
	if clock == nil {
		clock = SystemClock
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Prober{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		observer: observer,
	}
}

// Ready probes inst until it answers, attempts run out, or the deadline
// elapses. An elapsed deadline abandons the in-flight attempt and ends the
// probe without further retries.
func (p *Prober) Ready(ctx context.Context, inst *Instance) (*Instance, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := p.clock.After(p.cfg.Deadline)
	inst.markProbing()

	var (
		lastErr error
		made    int
	)

	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		made = attempt
		started := p.clock.Now()
		err := p.attempt(probeCtx, inst, deadline)

		inst.recordAttempt(err)
		p.observer.ProbeAttempted(models.ProbeAttempt{
			Name:    inst.Name(),
			Attempt: attempt,
			Of:      p.cfg.Attempts,
			Err:     err,
			Elapsed: p.clock.Now().Sub(started),
		})

		if err == nil {
			inst.markReady(p.clock.Now())
			p.observer.InstanceReady(inst.Name(), attempt)
			return inst, nil
		}
		lastErr = err

		if err == ErrProbeTimeout || ctx.Err() != nil {
			break
		}

		if attempt < p.cfg.Attempts {
			if waitErr := p.backoff(ctx, deadline); waitErr != nil {
				lastErr = waitErr
				break
			}
		}
	}

	unavailable := &UnavailableError{Name: inst.Name(), Attempts: made, Cause: lastErr}
	inst.markUnavailable(unavailable)
	p.observer.InstanceUnavailable(inst.Name(), unavailable)
	return nil, unavailable
}

func (p *Prober) attempt(ctx context.Context, inst *Instance, deadline <-chan time.Time) error {
	done := make(chan error, 1)
	go func() {
		done <- inst.Probe(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-deadline:
		return ErrProbeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) backoff(ctx context.Context, deadline <-chan time.Time) error {
	if p.cfg.Backoff == 0 {
		return nil
	}
	select {
	case <-p.clock.After(p.cfg.Backoff):
		return nil
	case <-deadline:
		return ErrProbeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
