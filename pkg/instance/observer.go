package instance

import (
	"errors"
	"time"

	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"

	"github.com/rs/zerolog"
)

// Observer receives instance lifecycle notifications. Implementations must
// be safe for concurrent use and must not block for long.
type Observer interface {
	InstanceRegistered(name string)
	ProbeAttempted(attempt models.ProbeAttempt)
	InstanceReady(name string, attempts int)
	InstanceUnavailable(name string, err error)
	InstanceRecycled(name string)
	PoolPicked(poolSize int, name string)
	Forwarded(name string, req *models.ProxyRequest, resp *models.ProxyResponse, err error, elapsed time.Duration)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) InstanceRegistered(string) {}
func (NopObserver) ProbeAttempted(models.ProbeAttempt) {}
func (NopObserver) InstanceReady(string, int) {}
func (NopObserver) InstanceUnavailable(string, error) {}
func (NopObserver) InstanceRecycled(string) {}
func (NopObserver) PoolPicked(int, string) {}
func (NopObserver) Forwarded(string, *models.ProxyRequest, *models.ProxyResponse, error, time.Duration) {
}

// Observers fans each notification out in order.
type Observers []Observer

func (o Observers) InstanceRegistered(name string) {
	for _, obs := range o {
		obs.InstanceRegistered(name)
	}
}

func (o Observers) ProbeAttempted(attempt models.ProbeAttempt) {
	for _, obs := range o {
		obs.ProbeAttempted(attempt)
	}
}

func (o Observers) InstanceReady(name string, attempts int) {
	for _, obs := range o {
		obs.InstanceReady(name, attempts)
	}
}

func (o Observers) InstanceUnavailable(name string, err error) {
	for _, obs := range o {
		obs.InstanceUnavailable(name, err)
	}
}

func (o Observers) InstanceRecycled(name string) {
	for _, obs := range o {
		obs.InstanceRecycled(name)
	}
}

func (o Observers) PoolPicked(poolSize int, name string) {
	for _, obs := range o {
		obs.PoolPicked(poolSize, name)
	}
}

func (o Observers) Forwarded(name string, req *models.ProxyRequest, resp *models.ProxyResponse, err error, elapsed time.Duration) {
	for _, obs := range o {
		obs.Forwarded(name, req, resp, err, elapsed)
	}
}

// LogObserver writes lifecycle notifications to the gateway log.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer logging under the "instance" component.
func NewLogObserver() *LogObserver {
	return &LogObserver{logger: log.With("instance")}
}

func (l *LogObserver) InstanceRegistered(name string) {
	l.logger.Info().Str("instance", name).Msg("Instance registered")
}

func (l *LogObserver) ProbeAttempted(a models.ProbeAttempt) {
	if a.OK() {
		l.logger.Info().
			Str("instance", a.Name).
			Int("attempt", a.Attempt).
			Int("of", a.Of).
			Dur("elapsed", a.Elapsed).
			Msg("Connected to instance")
		return
	}
	l.logger.Warn().
		Str("instance", a.Name).
		Int("attempt", a.Attempt).
		Int("of", a.Of).
		Dur("elapsed", a.Elapsed).
		Err(a.Err).
		Msg("Probe attempt failed")
}

func (l *LogObserver) InstanceReady(name string, attempts int) {
	l.logger.Debug().Str("instance", name).Int("attempts", attempts).Msg("Instance ready")
}

func (l *LogObserver) InstanceUnavailable(name string, err error) {
	l.logger.Error().Str("instance", name).Err(err).AnErr("cause", errors.Unwrap(err)).Msg("Instance not ready or timed out")
}

func (l *LogObserver) InstanceRecycled(name string) {
	l.logger.Info().Str("instance", name).Msg("Instance recycled by platform")
}

func (l *LogObserver) PoolPicked(poolSize int, name string) {
	l.logger.Debug().Int("pool_size", poolSize).Str("instance", name).Msg("Pool member selected")
}

func (l *LogObserver) Forwarded(name string, req *models.ProxyRequest, resp *models.ProxyResponse, err error, elapsed time.Duration) {
	if err != nil {
		l.logger.Error().
			Str("instance", name).
			Str("method", req.Method()).
			Str("path", req.Path()).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("Forward failed")
		return
	}
	l.logger.Debug().
		Str("instance", name).
		Str("method", req.Method()).
		Str("path", req.Path()).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("Forwarded request")
}
