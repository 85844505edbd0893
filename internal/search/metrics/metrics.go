package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for relevance search.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryOutcomes *prometheus.CounterVec
	Candidates    prometheus.Histogram
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the search metrics with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modhub_search_duration_seconds",
			Help:    "Duration of model-backed searches, including streaming",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"kind"}),
		QueryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modhub_search_outcomes_total",
			Help: "Search results by kind and outcome code",
		}, []string{"kind", "outcome"}),
		Candidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modhub_search_candidates",
			Help:    "Number of options sent to the model per search",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

// ObserveSearch records a finished search.
// Call with time.Now() at the start of the search.
func (m *Metrics) ObserveSearch(kind, outcome string, start time.Time) {
	m.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	m.QueryOutcomes.WithLabelValues(kind, outcome).Inc()
}

// ObserveCandidates records how many options a search offered the model.
func (m *Metrics) ObserveCandidates(n int) {
	m.Candidates.Observe(float64(n))
}
