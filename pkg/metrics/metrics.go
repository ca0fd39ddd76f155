// Package metrics exposes gateway instance activity as Prometheus collectors.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pgrestgw"

// Metrics holds the gateway collectors and observes instance activity.
type Metrics struct {
	instance.NopObserver

	probeAttempts   *prometheus.CounterVec
	probeResults    *prometheus.CounterVec
	forwardRequests *prometheus.CounterVec
	forwardErrors   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	lbSelections    *prometheus.CounterVec
	instances       prometheus.Gauge
	recycles        prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		probeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "attempts_total",
				Help:      "Readiness probe attempts by outcome.",
			},
			[]string{"outcome"},
		),
		probeResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "results_total",
				Help:      "Completed readiness checks by result.",
			},
			[]string{"result"},
		),
		forwardRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "requests_total",
				Help:      "Requests relayed to instances by method and upstream status.",
			},
			[]string{"method", "status_code"},
		),
		forwardErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "errors_total",
				Help:      "Forwarding failures by kind.",
			},
			[]string{"kind"},
		),
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "duration_seconds",
				Help:      "Time spent waiting on instances.",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120, 300},
			},
			[]string{"method"},
		),
		lbSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lb",
				Name:      "selections_total",
				Help:      "Pool members picked by the load balancer.",
			},
			[]string{"instance"},
		),
		instances: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "instances",
				Help:      "Instance handles held by the registry.",
			},
		),
		recycles: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "recycles_total",
				Help:      "Instances reported recycled by the platform.",
			},
		),
	}
}

func (m *Metrics) InstanceRegistered(string) {
	m.instances.Inc()
}

func (m *Metrics) ProbeAttempted(a models.ProbeAttempt) {
	if a.OK() {
		m.probeAttempts.WithLabelValues("success").Inc()
		return
	}
	m.probeAttempts.WithLabelValues("failure").Inc()
}

func (m *Metrics) InstanceReady(string, int) {
	m.probeResults.WithLabelValues("ready").Inc()
}

func (m *Metrics) InstanceUnavailable(_ string, err error) {
	var unavailable *instance.UnavailableError
	if errors.As(err, &unavailable) && unavailable.Timeout() {
		m.probeResults.WithLabelValues("timeout").Inc()
		return
	}
	m.probeResults.WithLabelValues("unavailable").Inc()
}

func (m *Metrics) InstanceRecycled(string) {
	m.recycles.Inc()
}

func (m *Metrics) PoolPicked(_ int, name string) {
	m.lbSelections.WithLabelValues(name).Inc()
}

func (m *Metrics) Forwarded(_ string, req *models.ProxyRequest, resp *models.ProxyResponse, err error, elapsed time.Duration) {
	method := req.Method()
	m.forwardDuration.WithLabelValues(method).Observe(elapsed.Seconds())

	if err != nil {
		kind := "transport"
		if errors.Is(err, instance.ErrTimeout) {
			kind = "timeout"
		}
		m.forwardErrors.WithLabelValues(kind).Inc()
		return
	}
	m.forwardRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
}
