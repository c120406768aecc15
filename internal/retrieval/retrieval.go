// Package retrieval answers tenant-scoped questions with ranked manual
// passages.
//
// With vector search enabled the question is embedded and matched against
// the vector store. When vector search is disabled, or the vector path
// fails or exceeds its time budget, the legacy retriever ranks stored page
// text instead. Both paths return vectorstore.SearchResult values, so
// callers do not depend on which path answered.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
	"github.com/fyrsmithlabs/manualrag/internal/vectorstore"
)

// Retrieval paths reported in Response.Path.
const (
	PathVector = "vector"
	PathLegacy = "legacy"
)

var (
	// ErrInvalidRequest is returned for malformed search requests.
	ErrInvalidRequest = errors.New("invalid search request")

	// ErrQueryTextRequired is returned for vector-only requests that can
	// only be served by the legacy path.
	ErrQueryTextRequired = errors.New("query_text is required when vector search is unavailable")
)

// Request is one search.
type Request struct {
	TenantID  tenant.ID `json:"tenant_id"`
	QueryText string    `json:"query_text,omitempty"`
	// QueryVector skips query embedding when set.
	QueryVector         []float32 `json:"query_vector,omitempty"`
	TopK                int       `json:"top_k,omitempty"`
	SimilarityThreshold *float64  `json:"similarity_threshold,omitempty"`
}

// Response holds ranked results and the path that produced them.
type Response struct {
	Results []vectorstore.SearchResult `json:"results"`
	Path    string                     `json:"path"`
	// Fallback is set when the vector path was attempted but the legacy
	// path answered.
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// QueryEmbedder embeds questions. *embeddings.Gateway implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Gate reports whether vector search is enabled for the caller.
type Gate interface {
	VectorSearchEnabled(ctx context.Context) bool
}

// Legacy is the non-vector retrieval path.
type Legacy interface {
	Search(ctx context.Context, tenantID tenant.ID, query string, topK int, threshold float64) ([]vectorstore.SearchResult, error)
}

// Config tunes the service.
type Config struct {
	// Timeout bounds embedding plus vector query.
	Timeout time.Duration
	// LegacyTimeout bounds the legacy path.
	LegacyTimeout    time.Duration
	DefaultTopK      int
	DefaultThreshold float64
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		LegacyTimeout: 2 * time.Second,
		DefaultTopK:   5,
	}
}

// ConfigFromSettings maps the retrieval config section.
func ConfigFromSettings(s config.RetrievalConfig) Config {
	cfg := DefaultConfig()
	if d := s.Timeout.Duration(); d > 0 {
		cfg.Timeout = d
	}
	if d := s.LegacyTimeout.Duration(); d > 0 {
		cfg.LegacyTimeout = d
	}
	if s.DefaultTopK > 0 {
		cfg.DefaultTopK = s.DefaultTopK
	}
	cfg.DefaultThreshold = s.DefaultThreshold
	return cfg
}

// Service is the retrieval orchestrator.
type Service struct {
	embedder QueryEmbedder
	store    vectorstore.Store
	legacy   Legacy
	gate     Gate
	cfg      Config
	logger   *logging.Logger
}

// NewService returns a Service. logger may be nil.
func NewService(embedder QueryEmbedder, store vectorstore.Store, legacy Legacy, gate Gate, cfg Config, logger *logging.Logger) (*Service, error) {
	switch {
	case embedder == nil:
		return nil, errors.New("retrieval: embedder is required")
	case store == nil:
		return nil, errors.New("retrieval: vector store is required")
	case legacy == nil:
		return nil, errors.New("retrieval: legacy retriever is required")
	case gate == nil:
		return nil, errors.New("retrieval: feature gate is required")
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultConfig().DefaultTopK
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		embedder: embedder,
		store:    store,
		legacy:   legacy,
		gate:     gate,
		cfg:      cfg,
		logger:   logger.Named("retrieval"),
	}, nil
}

// params are the normalized search parameters.
type params struct {
	topK      int
	threshold float64
}

func (s *Service) normalize(req Request) (params, error) {
	if err := req.TenantID.Validate(); err != nil {
		return params{}, err
	}
	if strings.TrimSpace(req.QueryText) == "" && len(req.QueryVector) == 0 {
		return params{}, fmt.Errorf("%w: query_text or query_vector is required", ErrInvalidRequest)
	}
	p := params{topK: req.TopK, threshold: s.cfg.DefaultThreshold}
	if p.topK < 0 {
		return params{}, fmt.Errorf("%w: top_k must not be negative", ErrInvalidRequest)
	}
	if p.topK == 0 {
		p.topK = s.cfg.DefaultTopK
	}
	p.topK = min(p.topK, vectorstore.MaxTopK)
	if req.SimilarityThreshold != nil {
		p.threshold = *req.SimilarityThreshold
	}
	if math.IsNaN(p.threshold) || p.threshold < 0 || p.threshold > 1 {
		return params{}, fmt.Errorf("%w: similarity_threshold must be in [0,1]", ErrInvalidRequest)
	}
	return p, nil
}

// Search answers req. A failure of the vector path falls back to the
// legacy path whenever the request carries query text; only a request
// that neither path can serve returns an error.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	p, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	ctx = tenant.WithTenant(ctx, req.TenantID)
	ctx, span := tracer.Start(ctx, "retrieval.search", trace.WithAttributes(
		attribute.String("tenant.id", string(req.TenantID)),
		attribute.Int("top_k", p.topK),
	))
	defer span.End()
	start := time.Now()

	if !s.gate.VectorSearchEnabled(ctx) {
		resp, err := s.searchLegacy(ctx, req, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		s.finish(ctx, span, resp, start)
		return resp, nil
	}

	results, reason, err := s.searchVector(ctx, req, p)
	if err == nil {
		resp := &Response{Results: results, Path: PathVector}
		s.finish(ctx, span, resp, start)
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	span.RecordError(err)
	if strings.TrimSpace(req.QueryText) == "" {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("vector search: %w", err)
	}

	FallbacksTotal.WithLabelValues(reason).Inc()
	s.logger.Warn(ctx, "vector search failed, falling back to legacy retrieval",
		zap.String("reason", reason),
		zap.Error(err))
	resp, legacyErr := s.searchLegacy(ctx, req, p)
	if legacyErr != nil {
		span.SetStatus(codes.Error, legacyErr.Error())
		return nil, errors.Join(err, legacyErr)
	}
	resp.Fallback = true
	resp.FallbackReason = reason
	s.finish(ctx, span, resp, start)
	return resp, nil
}

// searchVector embeds (unless a vector was given) and queries the store
// within the timeout. reason names the failing step.
func (s *Service) searchVector(ctx context.Context, req Request, p params) (_ []vectorstore.SearchResult, reason string, _ error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	vector := req.QueryVector
	if len(vector) == 0 {
		var err error
		vector, err = s.embedder.EmbedQuery(ctx, req.QueryText)
		if err != nil {
			return nil, failureReason(ctx, "embed"), fmt.Errorf("embedding query: %w", err)
		}
	}
	results, err := s.store.Query(ctx, req.TenantID, vectorstore.Query{
		Vector:    vector,
		TopK:      p.topK,
		Threshold: p.threshold,
	})
	if err != nil {
		return nil, failureReason(ctx, "store"), fmt.Errorf("querying vector store: %w", err)
	}
	return results, "", nil
}

func failureReason(ctx context.Context, step string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return step
}

func (s *Service) searchLegacy(ctx context.Context, req Request, p params) (*Response, error) {
	if strings.TrimSpace(req.QueryText) == "" {
		return nil, ErrQueryTextRequired
	}
	if s.cfg.LegacyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LegacyTimeout)
		defer cancel()
	}
	results, err := s.legacy.Search(ctx, req.TenantID, req.QueryText, p.topK, p.threshold)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Path: PathLegacy}, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, resp *Response, start time.Time) {
	if resp.Results == nil {
		resp.Results = []vectorstore.SearchResult{}
	}
	label := resp.Path
	if resp.Fallback {
		label = "fallback"
	}
	SearchesTotal.WithLabelValues(label).Inc()
	SearchDuration.WithLabelValues(resp.Path).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("retrieval.path", label),
		attribute.Int("retrieval.results", len(resp.Results)),
	)
	s.logger.Debug(ctx, "search answered",
		zap.String("path", label),
		zap.Int("results", len(resp.Results)))
}
