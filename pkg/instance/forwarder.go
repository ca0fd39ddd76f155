package instance

import (
	"context"
	"errors"
	"net"
	"time"

	"pgrestgw/pkg/models"
)

// DefaultForwardTimeout bounds a forwarded request once the instance is ready.
const DefaultForwardTimeout = 300 * time.Second

var errEmptyResponse = errors.New("instance returned no response")

// Forwarder sends requests to ready instances. It never retries and never
// rewrites the response.
type Forwarder struct {
	timeout  time.Duration
	observer Observer
}

// NewForwarder creates a forwarder with its own deadline, independent of
// the probe deadline.
func NewForwarder(timeout time.Duration, observer Observer) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Forwarder{timeout: timeout, observer: observer}
}

// Timeout returns the forward deadline.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

type sendResult struct {
	resp *models.ProxyResponse
	err  error
}

// Forward sends req to inst and returns the response unmodified. A Send that
// ignores its context is abandoned once the deadline passes.
func (f *Forwarder) Forward(ctx context.Context, inst *Instance, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	fwdCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan sendResult, 1)
	go func() {
		resp, err := inst.Send(fwdCtx, req)
		done <- sendResult{resp: resp, err: err}
	}()

	var (
		resp *models.ProxyResponse
		err  error
	)
	select {
	case r := <-done:
		resp, err = r.resp, r.err
	case <-fwdCtx.Done():
		err = fwdCtx.Err()
	}
	if err == nil && resp == nil {
		err = errEmptyResponse
	}
	if err != nil {
		err = f.classify(ctx, fwdCtx, inst.Name(), err)
		f.observer.Forwarded(inst.Name(), req, nil, err, time.Since(started))
		return nil, err
	}

	inst.forwarded.Add(1)
	f.observer.Forwarded(inst.Name(), req, resp, nil, time.Since(started))
	return resp, nil
}

func (f *Forwarder) classify(parent, fwdCtx context.Context, name string, err error) error {
	if parent.Err() == nil {
		var netErr net.Error
		if errors.Is(fwdCtx.Err(), context.DeadlineExceeded) ||
			errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return &TimeoutError{Name: name, After: f.timeout}
		}
	}
	return &TransportError{Name: name, Cause: err}
}
