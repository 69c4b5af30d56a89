// Package metrics exposes Prometheus collectors for a generation run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Retry reasons.
const (
	RetryNoJobID  = "no_job_id"
	RetryTimeout  = "poll_timeout"
	RetryCooldown = "error_cooldown"
)

// Request outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailure = "error"
)

// Collector registers into its own registry. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	imagesGenerated *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	startupFailures prometheus.Counter
	activeWorkers   prometheus.Gauge
}

// NewCollector registers all collectors under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		imagesGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "images_generated_total",
				Help:      "Images saved, by credential prefix",
			},
			[]string{"credential"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Requests sent to the generation API",
			},
			[]string{"operation", "outcome"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_retries_total",
				Help:      "Image attempts that had to be resubmitted",
			},
			[]string{"reason"},
		),
		startupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_startup_failures_total",
			Help:      "Workers that ended before producing anything",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently holding an admission slot",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ImageGenerated(credential string) {
	if c == nil {
		return
	}
	c.imagesGenerated.WithLabelValues(credential).Inc()
}

func (c *Collector) APIRequest(operation string, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailure
	}
	c.apiRequests.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) Retry(reason string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(reason).Inc()
}

func (c *Collector) StartupFailed() {
	if c == nil {
		return
	}
	c.startupFailures.Inc()
}

func (c *Collector) WorkerAdmitted() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
}

func (c *Collector) WorkerReleased() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}
