// Package ingestion drives uploaded manuals through
// Extract -> Chunk -> Embed -> Store and tracks their processing status.
//
// At most one run per document is active at a time: a run starts with a
// compare-and-swap on the document status (documents.Repository.BeginRun)
// that hands out a run ID and a new generation. The generation fences the
// vector store write and the run ID fences the final status write, so a
// run that was superseded by a newer one can never overwrite its results.
//
// Jobs reach the orchestrator synchronously through Ingest, or through a
// Dispatcher: an in-process worker pool, a NATS queue group, or a Temporal
// workflow.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/chunking"
	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/embeddings"
	"github.com/fyrsmithlabs/manualrag/internal/extraction"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
	"github.com/fyrsmithlabs/manualrag/internal/vectorstore"
)

var (
	// ErrInvalidRequest is returned before any side effect for a malformed
	// request.
	ErrInvalidRequest = errors.New("invalid ingestion request")

	// ErrIngestionFailed is returned together with a failed Result.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrSuperseded is returned when a newer run took the document over
	// while this one was in flight. Nothing this run produced is visible.
	ErrSuperseded = errors.New("ingestion run superseded")
)

// finalizeTimeout bounds the status writes at the end of a run. They run
// detached from the run context so a run that hit its deadline can still
// record the failure.
const finalizeTimeout = 30 * time.Second

// Request asks for one document to be (re)processed.
type Request struct {
	DocumentID  string `json:"document_id"`
	StoragePath string `json:"storage_path"`
}

// Validate checks required fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.DocumentID) == "" {
		return fmt.Errorf("%w: document_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.StoragePath) == "" {
		return fmt.Errorf("%w: storage_path is required", ErrInvalidRequest)
	}
	if err := sanitize.ValidateDocumentID(r.DocumentID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	DocumentID   string           `json:"document_id"`
	Status       documents.Status `json:"processing_status"`
	PageCount    int              `json:"page_count"`
	FileSize     int64            `json:"file_size"`
	ChunkCount   int              `json:"chunk_count"`
	FailedChunks int              `json:"failed_chunks"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RunID        string           `json:"run_id"`
	Generation   int64            `json:"generation"`
}

// Chunker splits extracted text.
type Chunker interface {
	Split(text string) []chunking.Chunk
}

// Embedder embeds chunk texts with per-text failure reporting.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (*embeddings.BatchResult, error)
	Model() string
}

// Gate reports whether chunking is enabled for the caller.
type Gate interface {
	ChunkingEnabled(ctx context.Context) bool
}

// Config tunes the orchestrator.
type Config struct {
	// StaleAfter lets a new run take over a document whose run started
	// longer ago than this, e.g. after a crash.
	StaleAfter time.Duration
	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
	// FailureThreshold is the fraction of chunks whose embedding may fail
	// before the document fails: a run fails when
	// failed >= FailureThreshold * total.
	FailureThreshold float64
	// ExtractAttempts bounds retries of transient extraction errors.
	ExtractAttempts int
	ExtractBackoff  time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:       30 * time.Minute,
		Timeout:          15 * time.Minute,
		FailureThreshold: 0.5,
		ExtractAttempts:  3,
		ExtractBackoff:   500 * time.Millisecond,
	}
}

// ConfigFromSettings maps the ingestion config section.
func ConfigFromSettings(s config.IngestionConfig) Config {
	cfg := DefaultConfig()
	cfg.StaleAfter = s.StaleAfter.Duration()
	cfg.Timeout = s.Timeout.Duration()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	return cfg
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("failure threshold must be in (0,1], got %v", c.FailureThreshold)
	}
	if c.StaleAfter < 0 || c.Timeout < 0 || c.ExtractBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	if c.ExtractAttempts < 1 {
		return errors.New("extract attempts must be at least 1")
	}
	return nil
}

// Deps are the collaborators of an Orchestrator. Notifier and Logger are
// optional.
type Deps struct {
	Documents documents.Repository
	Extractor extraction.Extractor
	Chunker   Chunker
	Embedder  Embedder
	Store     vectorstore.Store
	Gate      Gate
	Notifier  Notifier
	Logger    *logging.Logger
}

// Orchestrator runs the ingestion pipeline.
type Orchestrator struct {
	repo      documents.Repository
	extractor extraction.Extractor
	chunker   Chunker
	embedder  Embedder
	store     vectorstore.Store
	gate      Gate
	notifier  Notifier
	cfg       Config
	logger    *logging.Logger
	newRunID  func() string
}

// New validates deps and cfg and returns an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Documents == nil:
		return nil, errors.New("ingestion: document repository is required")
	case deps.Extractor == nil:
		return nil, errors.New("ingestion: extractor is required")
	case deps.Chunker == nil:
		return nil, errors.New("ingestion: chunker is required")
	case deps.Embedder == nil:
		return nil, errors.New("ingestion: embedder is required")
	case deps.Store == nil:
		return nil, errors.New("ingestion: vector store is required")
	case deps.Gate == nil:
		return nil, errors.New("ingestion: feature gate is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Orchestrator{
		repo:      deps.Documents,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		store:     deps.Store,
		gate:      deps.Gate,
		notifier:  deps.Notifier,
		cfg:       cfg,
		logger:    deps.Logger.Named("ingestion"),
		newRunID:  uuid.NewString,
	}, nil
}

// Run executes a dispatched job.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.TenantID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ctx = tenant.WithTenant(ctx, job.TenantID)
	if job.RequestID != "" {
		ctx = logging.WithRequestID(ctx, job.RequestID)
	}
	return o.Ingest(ctx, Request{DocumentID: job.DocumentID, StoragePath: job.StoragePath})
}

// Ingest processes one document for the tenant in ctx. It returns
// documents.ErrAlreadyProcessing while another live run holds the document,
// a failed Result with ErrIngestionFailed when the pipeline fails, and
// ErrSuperseded when a newer run took over.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		RunsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := req.Validate(); err != nil {
		RunsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if _, err := o.repo.Ensure(ctx, tenantID, req.DocumentID, req.StoragePath); err != nil {
		return nil, fmt.Errorf("registering document: %w", err)
	}
	run, err := o.repo.BeginRun(ctx, tenantID, req.DocumentID, o.newRunID(), o.cfg.StaleAfter)
	if err != nil {
		if errors.Is(err, documents.ErrAlreadyProcessing) {
			RunsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	ctx = logging.WithRunID(logging.WithDocumentID(ctx, req.DocumentID), run.RunID)
	ctx, span := tracer.Start(ctx, "ingestion.run", trace.WithAttributes(
		attribute.String("tenant.id", string(tenantID)),
		attribute.String("document.id", req.DocumentID),
		attribute.Int64("generation", run.Generation),
	))
	defer span.End()

	o.logger.Info(ctx, "ingestion started",
		zap.String("storage_path", req.StoragePath),
		zap.Int64("generation", run.Generation))
	o.notify(ctx, run, &Result{DocumentID: req.DocumentID, Status: documents.StatusProcessing})

	runCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	res, err := o.process(runCtx, run, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, run *documents.Run, req Request) (*Result, error) {
	res := &Result{
		DocumentID: req.DocumentID,
		Status:     documents.StatusProcessing,
		RunID:      run.RunID,
		Generation: run.Generation,
	}

	var extracted *extraction.Result
	if err := o.stage(ctx, "extract", func(ctx context.Context) error {
		var err error
		extracted, err = o.extract(ctx, run.TenantID, req.StoragePath)
		return err
	}); err != nil {
		return o.fail(ctx, run, res, fmt.Sprintf("extraction failed: %v", err))
	}
	res.PageCount = extracted.PageCount
	res.FileSize = extracted.FileSize
	completion := documents.Completion{
		PageCount:   extracted.PageCount,
		FileSize:    extracted.FileSize,
		ContentHash: extracted.ContentHash,
		Pages:       extracted.Pages,
	}

	if !o.gate.ChunkingEnabled(ctx) {
		return o.completeWithoutChunking(ctx, run, res, completion)
	}

	var chunks []chunking.Chunk
	_ = o.stage(ctx, "chunk", func(context.Context) error {
		// Blank documents (e.g. scanned manuals without OCR text) complete
		// with zero chunks.
		if strings.TrimSpace(extracted.Text) != "" {
			chunks = o.chunker.Split(extracted.Text)
		}
		return nil
	})

	var embedded embedOutcome
	if err := o.stage(ctx, "embed", func(ctx context.Context) error {
		var err error
		embedded, err = o.embed(ctx, run.DocumentID, chunks)
		return err
	}); err != nil {
		return o.fail(ctx, run, res, fmt.Sprintf("embedding failed: %v", err))
	}
	res.FailedChunks = embedded.failed
	if embedded.failed > 0 {
		FailedChunks.Add(float64(embedded.failed))
		if float64(embedded.failed) >= o.cfg.FailureThreshold*float64(len(chunks)) {
			return o.fail(ctx, run, res, fmt.Sprintf("embedding failed for %d of %d chunks: %v",
				embedded.failed, len(chunks), embedded.cause))
		}
		o.logger.Warn(ctx, "completing with a reduced chunk set",
			zap.Int("failed_chunks", embedded.failed),
			zap.Int("total_chunks", len(chunks)),
			zap.Error(embedded.cause))
	}

	err := o.stage(ctx, "store", func(ctx context.Context) error {
		return o.store.Replace(ctx, run.TenantID, run.DocumentID, run.Generation, embedded.records)
	})
	if errors.Is(err, vectorstore.ErrStaleGeneration) {
		return nil, o.superseded(ctx, run, err)
	}
	if err != nil {
		return o.fail(ctx, run, res, fmt.Sprintf("storing chunks failed: %v", err))
	}

	res.ChunkCount = len(embedded.records)
	completion.ChunkCount = len(embedded.records)
	completion.FailedChunks = embedded.failed
	return o.complete(ctx, run, res, completion)
}

// completeWithoutChunking records pages for legacy retrieval and skips the
// chunk and embed stages. Vector rows of unchanged content are kept; rows
// of content that changed are cleared, since they no longer describe the
// document.
func (o *Orchestrator) completeWithoutChunking(ctx context.Context, run *documents.Run, res *Result, completion documents.Completion) (*Result, error) {
	o.logger.Info(ctx, "chunking disabled, skipping chunk and embed stages")

	prev, err := o.repo.Get(ctx, run.TenantID, run.DocumentID)
	if err != nil {
		return o.fail(ctx, run, res, fmt.Sprintf("loading document: %v", err))
	}
	n := 0
	if prev.ContentHash == completion.ContentHash {
		n, err = o.store.CountDocument(ctx, run.TenantID, run.DocumentID)
		if err != nil {
			o.logger.Warn(ctx, "counting existing chunks", zap.Error(err))
			n = 0
		}
	} else {
		err = o.store.Replace(ctx, run.TenantID, run.DocumentID, run.Generation, nil)
		if errors.Is(err, vectorstore.ErrStaleGeneration) {
			return nil, o.superseded(ctx, run, err)
		}
		if err != nil {
			return o.fail(ctx, run, res, fmt.Sprintf("clearing stale chunks failed: %v", err))
		}
		o.logger.Info(ctx, "content changed, cleared stale chunks",
			zap.String("previous_hash", prev.ContentHash))
	}
	res.ChunkCount = n
	completion.ChunkCount = n
	return o.complete(ctx, run, res, completion)
}

// extract retries transient extraction errors with exponential backoff.
func (o *Orchestrator) extract(ctx context.Context, tenantID tenant.ID, storagePath string) (*extraction.Result, error) {
	backoff := o.cfg.ExtractBackoff
	for attempt := 1; ; attempt++ {
		res, err := o.extractor.Extract(ctx, tenantID, storagePath)
		if err == nil {
			return res, nil
		}
		if extraction.IsPermanent(err) || attempt >= o.cfg.ExtractAttempts || ctx.Err() != nil {
			return nil, err
		}
		o.logger.Warn(ctx, "extraction failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

type embedOutcome struct {
	records []vectorstore.Record
	failed  int
	cause   error
}

func (o *Orchestrator) embed(ctx context.Context, documentID string, chunks []chunking.Chunk) (embedOutcome, error) {
	if len(chunks) == 0 {
		return embedOutcome{}, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	batch, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return embedOutcome{}, err
	}
	if len(batch.Vectors) != len(chunks) || len(batch.Errors) != len(chunks) {
		return embedOutcome{}, fmt.Errorf("embedder returned %d results for %d chunks", len(batch.Vectors), len(chunks))
	}

	model := o.embedder.Model()
	out := embedOutcome{
		records: make([]vectorstore.Record, 0, len(chunks)),
		failed:  batch.Failed(),
		cause:   batch.FirstError(),
	}
	for i, c := range chunks {
		if batch.Errors[i] != nil {
			continue
		}
		out.records = append(out.records, vectorstore.Record{
			ChunkID: chunking.ChunkID(documentID, c.Ordinal),
			Ordinal: c.Ordinal,
			Text:    c.Text,
			Page:    c.Page,
			PageEnd: c.PageEnd,
			Section: c.Section,
			Start:   c.Start,
			End:     c.End,
			Vector:  batch.Vectors[i],
			Model:   model,
		})
	}
	return out, nil
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ingestion."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) complete(ctx context.Context, run *documents.Run, res *Result, c documents.Completion) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	start := time.Now()
	err := o.repo.Complete(ctx, run, c)
	StageDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if errors.Is(err, documents.ErrRunSuperseded) {
		return nil, o.superseded(ctx, run, err)
	}
	if err != nil {
		if failErr := o.repo.Fail(ctx, run, fmt.Sprintf("recording completion failed: %v", err)); failErr != nil {
			o.logger.Error(ctx, "recording failure", zap.Error(failErr))
		}
		return nil, fmt.Errorf("recording completion: %w", err)
	}

	res.Status = documents.StatusCompleted
	RunsTotal.WithLabelValues("completed").Inc()
	ChunksPerDocument.Observe(float64(res.ChunkCount))
	o.logger.Info(ctx, "ingestion completed",
		zap.Int("page_count", res.PageCount),
		zap.Int64("file_size", res.FileSize),
		zap.Int("chunk_count", res.ChunkCount),
		zap.Int("failed_chunks", res.FailedChunks))
	o.notify(ctx, run, res)
	return res, nil
}

// fail records the failure. A failed document keeps no chunks visible, so
// the vector set is replaced with an empty one under this run's generation.
func (o *Orchestrator) fail(ctx context.Context, run *documents.Run, res *Result, msg string) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := o.store.Replace(ctx, run.TenantID, run.DocumentID, run.Generation, nil); err != nil {
		if errors.Is(err, vectorstore.ErrStaleGeneration) {
			return nil, o.superseded(ctx, run, err)
		}
		o.logger.Warn(ctx, "clearing chunks of failed document", zap.Error(err))
	}
	if err := o.repo.Fail(ctx, run, msg); err != nil {
		if errors.Is(err, documents.ErrRunSuperseded) {
			return nil, o.superseded(ctx, run, err)
		}
		return nil, fmt.Errorf("recording failure: %w", err)
	}

	res.Status = documents.StatusFailed
	res.ErrorMessage = msg
	res.ChunkCount = 0
	RunsTotal.WithLabelValues("failed").Inc()
	o.logger.Warn(ctx, "ingestion failed", zap.String("error_message", msg))
	o.notify(ctx, run, res)
	return res, fmt.Errorf("%w: %s", ErrIngestionFailed, msg)
}

func (o *Orchestrator) superseded(ctx context.Context, run *documents.Run, cause error) error {
	RunsTotal.WithLabelValues("superseded").Inc()
	o.logger.Info(ctx, "ingestion run superseded", zap.Int64("generation", run.Generation), zap.Error(cause))
	return fmt.Errorf("%w: %w", ErrSuperseded, cause)
}

func (o *Orchestrator) notify(ctx context.Context, run *documents.Run, res *Result) {
	e := Event{
		TenantID:     run.TenantID,
		DocumentID:   run.DocumentID,
		RunID:        run.RunID,
		Generation:   run.Generation,
		Status:       res.Status,
		PageCount:    res.PageCount,
		ChunkCount:   res.ChunkCount,
		FailedChunks: res.FailedChunks,
		ErrorMessage: res.ErrorMessage,
		Time:         time.Now().UTC(),
	}
	if err := o.notifier.Notify(ctx, e); err != nil {
		o.logger.Warn(ctx, "publishing status event", zap.Error(err))
	}
}
