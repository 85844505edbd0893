package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the module registry.
// Tracks cache effectiveness, rebuild cost and store writes.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	RebuildDuration prometheus.Histogram
	RebuildFailures prometheus.Counter
	RebuildSkipped  prometheus.Counter
	RegisteredTotal prometheus.Gauge
	StoreWrites     *prometheus.CounterVec
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the module metrics with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "modhub_registry_cache_hits_total",
			Help: "Listings served from a fresh cache entry",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "modhub_registry_cache_misses_total",
			Help: "Listings that required a rebuild (stale, missing or forced)",
		}),
		RebuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modhub_registry_rebuild_duration_seconds",
			Help:    "Duration of full registry rebuilds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RebuildFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "modhub_registry_rebuild_failures_total",
			Help: "Rebuilds aborted by a source or identity failure",
		}),
		RebuildSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "modhub_registry_rebuild_skipped_items_total",
			Help: "Modules skipped during rebuild because their code could not be read",
		}),
		RegisteredTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modhub_registry_modules",
			Help: "Number of modules in the most recent rebuild",
		}),
		StoreWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhub_store_writes_total",
			Help: "Module store mutations by operation",
		}, []string{"op"}),
	}
}

// IncrementCacheHit records a listing served from cache.
func (m *Metrics) IncrementCacheHit() {
	m.CacheHits.Inc()
}

// IncrementCacheMiss records a listing that triggered a rebuild.
func (m *Metrics) IncrementCacheMiss() {
	m.CacheMisses.Inc()
}

// ObserveRebuild records a completed rebuild.
// Call with time.Now() at the start of the rebuild.
func (m *Metrics) ObserveRebuild(start time.Time, modules, skipped int) {
	m.RebuildDuration.Observe(time.Since(start).Seconds())
	m.RegisteredTotal.Set(float64(modules))
	m.RebuildSkipped.Add(float64(skipped))
}

// IncrementRebuildFailure records an aborted rebuild.
func (m *Metrics) IncrementRebuildFailure() {
	m.RebuildFailures.Inc()
}

// IncrementStoreWrite records a store mutation (add, remove, clear).
func (m *Metrics) IncrementStoreWrite(op string) {
	m.StoreWrites.WithLabelValues(op).Inc()
}
