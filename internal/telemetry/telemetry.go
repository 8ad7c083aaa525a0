// Package telemetry collects sync engine metrics into a private Prometheus
// registry.
//
// Metrics are pull-only: nothing is transmitted by this package. The
// registry is exposed over the local status API only when the user has
// enabled telemetry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "synccore"

// Metrics implements the cache, queue, replay, degradation and maintenance
// observers.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth        prometheus.Gauge
	mutationsEnqueued *prometheus.CounterVec
	mutationOutcomes  *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	conflicts         *prometheus.CounterVec

	cacheAccess    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
	cacheBytes     *prometheus.GaugeVec

	degradationLevel prometheus.Gauge
	serviceDegraded  *prometheus.GaugeVec

	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec
}

// New creates Metrics registered on a fresh registry. An empty namespace
// uses DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Mutations waiting for replay",
		}),
		mutationsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Mutations accepted into the queue by kind",
		}, []string{"kind"}),
		mutationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_outcomes_total",
			Help:      "Replay attempts by mutation kind and outcome",
		}, []string{"kind", "outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_cycle_seconds",
			Help:      "Duration of replay cycles",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by entity type and resolution",
		}, []string{"entity", "resolution"}),
		cacheAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by category and result",
		}, []string{"category", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries removed by category and reason",
		}, []string{"category", "reason"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Cached entries by category",
		}, []string{"category"}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Cached payload bytes by category",
		}, []string{"category"}),
		degradationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degradation_level",
			Help:      "Current degradation level (0 none to 3 severe)",
		}),
		serviceDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_degraded",
			Help:      "1 when a service is degraded",
		}, []string{"service"}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job executions by job and result",
		}, []string{"job", "result"}),
		maintenanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Maintenance job duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth,
		m.mutationsEnqueued,
		m.mutationOutcomes,
		m.cycleDuration,
		m.conflicts,
		m.cacheAccess,
		m.cacheEvictions,
		m.cacheEntries,
		m.cacheBytes,
		m.degradationLevel,
		m.serviceDegraded,
		m.maintenanceRuns,
		m.maintenanceDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueueDepth implements queue.Observer.
func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// MutationEnqueued implements queue.Observer.
func (m *Metrics) MutationEnqueued(kind models.MutationKind) {
	m.mutationsEnqueued.WithLabelValues(string(kind)).Inc()
}

// MutationOutcome implements sync.Observer.
func (m *Metrics) MutationOutcome(kind models.MutationKind, outcome sync.Outcome) {
	m.mutationOutcomes.WithLabelValues(string(kind), string(outcome)).Inc()
}

// CycleCompleted implements sync.Observer.
func (m *Metrics) CycleCompleted(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// ConflictResolved implements sync.Observer.
func (m *Metrics) ConflictResolved(t models.EntityType, resolution string) {
	m.conflicts.WithLabelValues(string(t), resolution).Inc()
}

// CacheAccess implements cache.Observer.
func (m *Metrics) CacheAccess(category models.CacheCategory, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheAccess.WithLabelValues(string(category), result).Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(category models.CacheCategory, reason string, n int) {
	m.cacheEvictions.WithLabelValues(string(category), reason).Add(float64(n))
}

// CacheSize implements cache.Observer.
func (m *Metrics) CacheSize(category models.CacheCategory, entries int, bytes int64) {
	m.cacheEntries.WithLabelValues(string(category)).Set(float64(entries))
	m.cacheBytes.WithLabelValues(string(category)).Set(float64(bytes))
}

// DegradationLevel implements degradation.Observer.
func (m *Metrics) DegradationLevel(level models.DegradationLevel) {
	m.degradationLevel.Set(float64(level))
}

// ServiceHealth implements degradation.Observer.
func (m *Metrics) ServiceHealth(service models.ServiceType, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.serviceDegraded.WithLabelValues(string(service)).Set(v)
}

// MaintenanceRun records one maintenance job execution.
func (m *Metrics) MaintenanceRun(job string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.maintenanceRuns.WithLabelValues(job, result).Inc()
	m.maintenanceDuration.WithLabelValues(job).Observe(d.Seconds())
}
