// Package observability provides the prometheus collector for the unit-of-work engine
// and the OpenTelemetry tracing bootstrap.
package observability

import (
	"net/http"
	"time"

	"brain2-uow/internal/uow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the engine. It implements uow.Metrics.
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Unit of work metrics
	Units         *prometheus.CounterVec
	UnitDuration  *prometheus.HistogramVec
	Retries       *prometheus.CounterVec
	Resolved      *prometheus.CounterVec
	BinderCommits *prometheus.CounterVec
}

var _ uow.Metrics = (*Collector)(nil)

// NewCollector creates a new metrics collector with the given namespace.
// Each collector owns its registry so tests can build as many as they like.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	units := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_units_total",
			Help:      "Total number of unit of work executions by outcome",
		},
		[]string{"name", "outcome"},
	)

	unitDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "uow_unit_duration_seconds",
			Help:      "Unit of work duration in seconds, commit and release included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_retries_total",
			Help:      "Total number of attempts scheduled again after a retryable failure",
		},
		[]string{"name", "reason"},
	)

	resolved := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_conflicts_resolved_total",
			Help:      "Total number of optimistic concurrency conflicts resolved",
		},
		[]string{"strategy"},
	)

	binderCommits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uow_binder_commits_total",
			Help:      "Total number of call-scoped commits by outcome",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(units, unitDuration, retries, resolved, binderCommits)

	return &Collector{
		registry:      registry,
		Units:         units,
		UnitDuration:  unitDuration,
		Retries:       retries,
		Resolved:      resolved,
		BinderCommits: binderCommits,
	}
}

// Registry returns the prometheus registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveUnit records one finished unit of work.
func (c *Collector) ObserveUnit(name, outcome string, duration time.Duration) {
	c.Units.WithLabelValues(name, outcome).Inc()
	c.UnitDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// IncRetry records a retry scheduled by the retry engine.
func (c *Collector) IncRetry(name, reason string) {
	c.Retries.WithLabelValues(name, reason).Inc()
}

// IncConflictResolved records a conflict resolved by the concurrency resolver.
func (c *Collector) IncConflictResolved(strategy string) {
	c.Resolved.WithLabelValues(strategy).Inc()
}

// IncBinderCommit records a commit performed by the call-scoped binder.
func (c *Collector) IncBinderCommit(outcome string) {
	c.BinderCommits.WithLabelValues(outcome).Inc()
}
