package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/manualrag/internal/vectorstore")

var (
	// OperationDuration tracks store operation latency.
	// Labels: backend (chromem, sqlite, qdrant), operation
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "manualrag",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// OperationErrors counts failed store operations.
	// Labels: backend, operation
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "vectorstore",
			Name:      "operation_errors_total",
			Help:      "Total number of failed vector store operations",
		},
		[]string{"backend", "operation"},
	)

	// StaleWrites counts Replace calls rejected by the generation fence.
	StaleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "vectorstore",
			Name:      "stale_writes_total",
			Help:      "Replace calls rejected because a newer generation was committed",
		},
		[]string{"backend"},
	)

	// ChunksWritten counts records committed by Replace.
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "vectorstore",
			Name:      "chunks_written_total",
			Help:      "Total number of chunk records committed",
		},
		[]string{"backend"},
	)
)

// observation times one store operation and records its span.
type observation struct {
	backend string
	op      string
	start   time.Time
	span    trace.Span
}

func observe(ctx context.Context, backend, op string, tenantID tenant.ID, attrs ...attribute.KeyValue) (context.Context, *observation) {
	attrs = append(attrs,
		attribute.String("vectorstore.backend", backend),
		attribute.String("tenant.id", string(tenantID)),
	)
	ctx, span := tracer.Start(ctx, "vectorstore."+op, trace.WithAttributes(attrs...))
	return ctx, &observation{backend: backend, op: op, start: time.Now(), span: span}
}

// end records duration, error and closes the span. Pass a pointer to the
// named error return.
func (o *observation) end(errp *error) {
	OperationDuration.WithLabelValues(o.backend, o.op).Observe(time.Since(o.start).Seconds())
	if errp != nil && *errp != nil {
		err := *errp
		OperationErrors.WithLabelValues(o.backend, o.op).Inc()
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStaleGeneration) {
			StaleWrites.WithLabelValues(o.backend).Inc()
		}
	}
	o.span.End()
}
