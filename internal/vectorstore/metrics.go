package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the retrieval service.
type Metrics struct {
	// Operations counts service calls.
	// Labels: operation (store, search, search_text, delete, stats), result (success, error, rejected)
	Operations *prometheus.CounterVec

	// Duration tracks service call latency.
	Duration *prometheus.HistogramVec

	// SearchResults tracks how many rows a search returned.
	SearchResults prometheus.Histogram
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "estimatord",
				Subsystem: "vectorstore",
				Name:      "operations_total",
				Help:      "Total number of retrieval operations by result",
			},
			[]string{"operation", "result"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "estimatord",
				Subsystem: "vectorstore",
				Name:      "operation_duration_seconds",
				Help:      "Duration of retrieval operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SearchResults: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "estimatord",
				Subsystem: "vectorstore",
				Name:      "search_results",
				Help:      "Number of results returned per search",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),
	}
}

func (m *Metrics) observe(operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.Duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeResults(n int) {
	if m == nil {
		return
	}
	m.SearchResults.Observe(float64(n))
}
