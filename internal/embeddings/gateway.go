package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

// GatewayConfig tunes batching, concurrency and retries.
type GatewayConfig struct {
	// Model is recorded on every stored embedding.
	Model string
	// Dimension is the vector length the store expects. Zero accepts the
	// provider's dimension, or the first vector's length.
	Dimension      int
	BatchSize      int
	MaxConcurrency int
	// MaxAttempts counts the first call.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSec <= 0 disables rate limiting.
	RequestsPerSec float64
	Burst          int
}

// DefaultGatewayConfig returns the defaults used by the daemon.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BatchSize:      32,
		MaxConcurrency: 4,
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RequestsPerSec: 20,
		Burst:          4,
	}
}

// GatewayConfigFromSettings converts the service configuration section.
func GatewayConfigFromSettings(s config.EmbeddingsConfig) GatewayConfig {
	return GatewayConfig{
		Model:          s.Model,
		Dimension:      s.Dimension,
		BatchSize:      s.BatchSize,
		MaxConcurrency: s.MaxConcurrency,
		MaxAttempts:    s.MaxAttempts,
		InitialBackoff: s.InitialBackoff.Duration(),
		MaxBackoff:     s.MaxBackoff.Duration(),
		RequestsPerSec: s.RequestsPerSec,
		Burst:          s.Burst,
	}
}

// Validate checks the configuration.
func (c GatewayConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("%w: max concurrency must be positive", ErrInvalidConfig)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	case c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: backoff must satisfy 0 <= initial <= max", ErrInvalidConfig)
	case c.Dimension < 0:
		return fmt.Errorf("%w: dimension must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BatchResult holds per-text outcomes of EmbedBatch. Exactly one of
// Vectors[i] and Errors[i] is set.
type BatchResult struct {
	Vectors [][]float32
	Errors  []error
}

// Failed returns the number of texts without a vector.
func (r *BatchResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// Succeeded returns the number of texts with a vector.
func (r *BatchResult) Succeeded() int {
	return len(r.Vectors) - r.Failed()
}

// FirstError returns the first per-text error, if any.
func (r *BatchResult) FirstError() error {
	for _, err := range r.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// Gateway fronts a Provider with batching, rate limiting and retries.
type Gateway struct {
	provider  Provider
	cfg       GatewayConfig
	limiter   *rate.Limiter
	dimension atomic.Int64
	metrics   *Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// NewGateway wraps provider. A configured dimension that disagrees with the
// provider's known dimension is rejected up front.
func NewGateway(provider Provider, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dim := cfg.Dimension
	if pd := provider.Dimension(); pd > 0 {
		if dim > 0 && dim != pd {
			return nil, fmt.Errorf("%w: configured %d, model %q produces %d", ErrDimensionMismatch, dim, cfg.Model, pd)
		}
		dim = pd
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxConcurrency
	}

	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	g.dimension.Store(int64(dim))
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil, g.logger.Underlying())
	}
	return g, nil
}

// Model returns the model identifier recorded with vectors.
func (g *Gateway) Model() string {
	return g.cfg.Model
}

// Dimension returns the expected vector length, or 0 before the first
// vector when neither config nor provider declared one.
func (g *Gateway) Dimension() int {
	return int(g.dimension.Load())
}

// EmbedBatch embeds texts in sub-batches of BatchSize, at most
// MaxConcurrency at a time. Transient failures are retried per sub-batch;
// a sub-batch that still fails marks only its own texts failed.
//
// The returned error is reserved for failures that make every vector
// useless: a dimension mismatch, rejected credentials, or ctx ending.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	ctx, span := g.tracer.Start(ctx, "embeddings.EmbedBatch",
		trace.WithAttributes(attribute.Int("texts", len(texts)), attribute.String("model", g.cfg.Model)))
	defer span.End()

	res := &BatchResult{
		Vectors: make([][]float32, len(texts)),
		Errors:  make([]error, len(texts)),
	}
	if len(texts) == 0 {
		return res, nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.MaxConcurrency)

	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		start, end := start, min(start+g.cfg.BatchSize, len(texts))
		eg.Go(func() error {
			batch := texts[start:end]
			var vectors [][]float32
			err := g.retry(egctx, "embed_documents", len(batch), func(ctx context.Context) error {
				v, err := g.provider.EmbedDocuments(ctx, batch)
				if err != nil {
					return err
				}
				if len(v) != len(batch) {
					return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(v), len(batch))
				}
				if err := g.checkDimension(v...); err != nil {
					return err
				}
				vectors = v
				return nil
			})
			if err != nil {
				if isFatal(err) {
					return err
				}
				for i := start; i < end; i++ {
					res.Errors[i] = err
				}
				g.logger.Warn(ctx, "embedding sub-batch failed",
					zap.Int("offset", start), zap.Int("size", len(batch)), zap.Error(err))
				return nil
			}
			copy(res.Vectors[start:end], vectors)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	failed := res.Failed()
	g.metrics.RecordFailedTexts(ctx, g.cfg.Model, failed)
	span.SetAttributes(attribute.Int("failed", failed))
	return res, nil
}

// EmbedQuery embeds a single query with the same retry policy.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := g.tracer.Start(ctx, "embeddings.EmbedQuery",
		trace.WithAttributes(attribute.String("model", g.cfg.Model)))
	defer span.End()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	var vector []float32
	err := g.retry(ctx, "embed_query", 1, func(ctx context.Context) error {
		v, err := g.provider.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		if err := g.checkDimension(v); err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vector, nil
}

// retry runs fn until it succeeds, fails permanently, or MaxAttempts is
// reached. Backoff doubles from InitialBackoff up to MaxBackoff; a
// server-provided Retry-After wins when longer.
func (g *Gateway) retry(ctx context.Context, op string, size int, fn func(context.Context) error) error {
	backoff := g.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransientError{Err: err}
		}

		start := time.Now()
		err := fn(ctx)
		g.metrics.RecordGeneration(ctx, g.cfg.Model, op, time.Since(start), size, err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= g.cfg.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := backoff
		var te *TransientError
		if errors.As(err, &te) && te.RetryAfter > wait {
			wait = min(te.RetryAfter, g.cfg.MaxBackoff)
		}
		g.metrics.RecordRetry(ctx, g.cfg.Model)
		g.logger.Debug(ctx, "retrying embedding call",
			zap.String("operation", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))

		if err := sleep(ctx, wait); err != nil {
			return err
		}
		backoff = min(backoff*2, g.cfg.MaxBackoff)
	}
}

func (g *Gateway) checkDimension(vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
		}
		g.dimension.CompareAndSwap(0, int64(len(v)))
		if want := int(g.dimension.Load()); len(v) != want {
			return fmt.Errorf("%w: provider returned %d, want %d", ErrDimensionMismatch, len(v), want)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
