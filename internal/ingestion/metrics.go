package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/manualrag/internal/ingestion")

var (
	// RunsTotal counts finished ingestion runs.
	// Labels: outcome (completed, failed, superseded, rejected)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Ingestion runs by outcome",
		},
		[]string{"outcome"},
	)

	// StageDuration tracks the duration of each pipeline stage.
	// Labels: stage (extract, chunk, embed, store, complete)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "manualrag",
			Subsystem: "ingestion",
			Name:      "stage_duration_seconds",
			Help:      "Duration of ingestion pipeline stages in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)

	// ChunksPerDocument observes the chunk count of completed documents.
	ChunksPerDocument = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "manualrag",
			Subsystem: "ingestion",
			Name:      "chunks_per_document",
			Help:      "Stored chunks per completed document",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// FailedChunks counts chunks dropped after exhausting embedding retries.
	FailedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "ingestion",
			Name:      "failed_chunks_total",
			Help:      "Chunks whose embedding failed permanently",
		},
	)

	// QueueDepth is the number of jobs waiting in the local worker pool.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "manualrag",
			Subsystem: "ingestion",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the local dispatcher queue",
		},
	)
)
