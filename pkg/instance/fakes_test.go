package instance

import (
	"context"
	"errors"
	"sync"
	"time"

	"pgrestgw/pkg/models"
)

var errRefused = errors.New("dial tcp 127.0.0.1:3000: connect: connection refused")

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	waits  []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeHandle struct {
	name string

	mu        sync.Mutex
	probes    int
	failFirst int // probes that fail before one succeeds; negative fails forever
	block     bool
	canceled  chan struct{}
	send      func(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error)
	sent      []*models.ProxyRequest
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{name: name, canceled: make(chan struct{}, 8)}
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) Probe(ctx context.Context) error {
	h.mu.Lock()
	h.probes++
	n := h.probes
	block := h.block
	failFirst := h.failFirst
	h.mu.Unlock()

	if block {
		<-ctx.Done()
		h.canceled <- struct{}{}
		return ctx.Err()
	}
	if failFirst < 0 || n <= failFirst {
		return errRefused
	}
	return nil
}

func (h *fakeHandle) Send(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	h.mu.Lock()
	h.sent = append(h.sent, req)
	send := h.send
	h.mu.Unlock()

	if send == nil {
		return &models.ProxyResponse{StatusCode: 200, Body: []byte("[]")}, nil
	}
	return send(ctx, req)
}

func (h *fakeHandle) Probes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probes
}

func (h *fakeHandle) Sent() []*models.ProxyRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.ProxyRequest(nil), h.sent...)
}

type fakePlatform struct {
	mu      sync.Mutex
	opens   map[string]int
	handles map[string]*fakeHandle
	setup   func(h *fakeHandle)
}

func newFakePlatform(setup func(h *fakeHandle)) *fakePlatform {
	return &fakePlatform{
		opens:   map[string]int{},
		handles: map[string]*fakeHandle{},
		setup:   setup,
	}
}

func (p *fakePlatform) Open(name string) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens[name]++
	h := newFakeHandle(name)
	if p.setup != nil {
		p.setup(h)
	}
	p.handles[name] = h
	return h
}

func (p *fakePlatform) Opens(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[name]
}

func (p *fakePlatform) Handle(name string) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[name]
}

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	attempts    []models.ProbeAttempt
	registered  []string
	ready       []string
	unavailable []error
	picked      []string
	forwarded   []error
}

func (r *recordingObserver) InstanceRegistered(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, name)
}

func (r *recordingObserver) ProbeAttempted(a models.ProbeAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recordingObserver) InstanceReady(name string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, name)
}

func (r *recordingObserver) InstanceUnavailable(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = append(r.unavailable, err)
}

func (r *recordingObserver) PoolPicked(_ int, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.picked = append(r.picked, name)
}

func (r *recordingObserver) Forwarded(_ string, _ *models.ProxyRequest, _ *models.ProxyResponse, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, err)
}

func (r *recordingObserver) Attempts() []models.ProbeAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProbeAttempt(nil), r.attempts...)
}
