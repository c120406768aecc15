package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/manualrag/internal/retrieval")

var (
	// SearchesTotal counts answered searches by the path that produced the
	// results.
	// Labels: path (vector, legacy, fallback)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Searches by retrieval path",
		},
		[]string{"path"},
	)

	// FallbacksTotal counts vector searches that degraded to the legacy
	// path.
	// Labels: reason (embed, timeout, store)
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "retrieval",
			Name:      "fallbacks_total",
			Help:      "Vector searches answered by the legacy path instead",
		},
		[]string{"reason"},
	)

	// SearchDuration tracks end-to-end search latency.
	// Labels: path
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "manualrag",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of searches in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"path"},
	)
)
