package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

// Default NATS subjects.
const (
	DefaultJobSubject   = "manualrag.ingest.jobs"
	DefaultEventSubject = "manualrag.ingest.events"
	DefaultQueueGroup   = "manualrag-ingest"
)

// NATSDispatcher publishes jobs as JSON on a subject consumed by a
// NATSWorker queue group.
type NATSDispatcher struct {
	nc      *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSDispatcher returns a dispatcher publishing on subject.
func NewNATSDispatcher(nc *nats.Conn, subject string, logger *logging.Logger) (*NATSDispatcher, error) {
	if nc == nil {
		return nil, errors.New("ingestion: nats connection is required")
	}
	if subject == "" {
		subject = DefaultJobSubject
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSDispatcher{nc: nc, subject: subject, logger: logger.Named("nats")}, nil
}

// Dispatch publishes job and flushes so a broken connection is reported
// to the caller. The caller's trace context travels in the message
// headers.
func (d *NATSDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &nats.Msg{Subject: d.subject, Data: data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	if err := d.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	if err := d.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush job: %w", err)
	}
	d.logger.Debug(ctx, "job published",
		zap.String("subject", d.subject),
		zap.String("document_id", job.DocumentID))
	return nil
}

// NATSWorker consumes jobs from a queue group and hands them to a local
// pool, so every process in the group shares the load.
type NATSWorker struct {
	nc      *nats.Conn
	subject string
	queue   string
	pool    Dispatcher
	logger  *logging.Logger
	sub     *nats.Subscription
}

// NewNATSWorker returns a worker that feeds pool.
func NewNATSWorker(nc *nats.Conn, subject, queue string, pool Dispatcher, logger *logging.Logger) (*NATSWorker, error) {
	if nc == nil {
		return nil, errors.New("ingestion: nats connection is required")
	}
	if pool == nil {
		return nil, errors.New("ingestion: worker pool is required")
	}
	if subject == "" {
		subject = DefaultJobSubject
	}
	if queue == "" {
		queue = DefaultQueueGroup
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSWorker{nc: nc, subject: subject, queue: queue, pool: pool, logger: logger.Named("nats")}, nil
}

// Start subscribes to the job subject.
func (w *NATSWorker) Start(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(w.subject, w.queue, func(msg *nats.Msg) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.subject, err)
	}
	w.sub = sub
	w.logger.Info(ctx, "nats worker subscribed",
		zap.String("subject", w.subject),
		zap.String("queue_group", w.queue))
	return nil
}

func (w *NATSWorker) handle(ctx context.Context, msg *nats.Msg) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
	ctx, span := tracer.Start(ctx, "ingestion.nats.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", msg.Subject)))
	defer span.End()

	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		span.RecordError(err)
		w.logger.Error(ctx, "discarding malformed job", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.String("document.id", job.DocumentID))
	if err := w.pool.Dispatch(ctx, job); err != nil {
		span.RecordError(err)
		w.logger.Error(ctx, "job rejected by worker pool",
			zap.String("tenant_id", string(job.TenantID)),
			zap.String("document_id", job.DocumentID),
			zap.Error(err))
	}
}

// Stop drains the subscription.
func (w *NATSWorker) Stop() error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Drain()
}

// NATSNotifier publishes run events on
// <prefix>.<tenant>.<document>. Dots in document IDs become underscores
// so each ID stays a single subject token; the payload carries the exact
// ID.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSNotifier returns a notifier publishing under prefix.
func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultEventSubject
	}
	return &NATSNotifier{nc: nc, prefix: prefix}
}

// EventSubject is the subject events for the document are published on.
func (n *NATSNotifier) EventSubject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, e.TenantID, subjectToken(e.DocumentID))
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.nc.Publish(n.EventSubject(e), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	return subjectReplacer.Replace(s)
}
