package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

const (
	chromemBackend = "chromem"

	metaDocumentID = "document_id"
	metaChunkID    = "chunk_id"
	metaGeneration = "generation"
	metaVersion    = "version"
	metaPending    = "pending"
	metaCount      = "count"
	metaOrdinal    = "ordinal"
	metaPage       = "page"
	metaPageEnd    = "page_end"
	metaSection    = "section"
	metaStart      = "start"
	metaEnd        = "end"
	metaModel      = "model"
)

// manifestVector is the fixed embedding of manifest entries; they are
// looked up by ID and never searched.
var manifestVector = []float32{1}

var errNoEmbeddingFunc = errors.New("chromem: documents must carry embeddings")

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression of persisted files.
	Compress bool

	// Dimension is the expected embedding dimension.
	Dimension int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store on chromem-go.
//
// Each tenant gets its own chunk collection and manifest collection. The
// manifest maps a document ID to its committed generation and row
// version; chunk rows are tagged with the version they were written under
// and are invisible to queries unless it is the committed one.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *logging.Logger
	locks  *documentLocks

	// createMu serializes collection creation; chromem replaces a
	// collection created twice concurrently.
	createMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewChromemStore opens or creates the store.
func NewChromemStore(cfg ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = NewResilientChromemDB(cfg.Path, cfg.Compress, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info(context.Background(), "chromem vector store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Int("dimension", cfg.Dimension),
	)

	return &ChromemStore{
		db:     db,
		config: cfg,
		logger: logger,
		locks:  newDocumentLocks(),
	}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

func (s *ChromemStore) collections(tenantID tenant.ID) (chunks, manifest *chromem.Collection, err error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	chunks, err = s.db.GetOrCreateCollection(sanitize.CollectionName("chunks", string(tenantID)), nil, noEmbedding)
	if err != nil {
		return nil, nil, fmt.Errorf("opening chunk collection: %w", err)
	}
	manifest, err = s.db.GetOrCreateCollection(sanitize.CollectionName("manifest", string(tenantID)), nil, noEmbedding)
	if err != nil {
		return nil, nil, fmt.Errorf("opening manifest collection: %w", err)
	}
	return chunks, manifest, nil
}

// existingCollections returns nil collections when the tenant has never
// written anything.
func (s *ChromemStore) existingCollections(tenantID tenant.ID) (chunks, manifest *chromem.Collection) {
	chunks = s.db.GetCollection(sanitize.CollectionName("chunks", string(tenantID)), noEmbedding)
	manifest = s.db.GetCollection(sanitize.CollectionName("manifest", string(tenantID)), noEmbedding)
	return chunks, manifest
}

// manifestEntry is the per-document commit record. Generation is the
// caller's fence; version tags the rows of the committed set and is bumped
// on every write, including replays of the same generation.
type manifestEntry struct {
	generation int64
	version    int64
	// pending is the version being staged, or 0.
	pending int64
	count   int
}

func readManifest(ctx context.Context, manifest *chromem.Collection, documentID string) manifestEntry {
	if manifest == nil {
		return manifestEntry{}
	}
	doc, err := manifest.GetByID(ctx, documentID)
	if err != nil {
		return manifestEntry{}
	}
	var e manifestEntry
	e.generation, _ = strconv.ParseInt(doc.Metadata[metaGeneration], 10, 64)
	e.version, _ = strconv.ParseInt(doc.Metadata[metaVersion], 10, 64)
	e.pending, _ = strconv.ParseInt(doc.Metadata[metaPending], 10, 64)
	e.count, _ = strconv.Atoi(doc.Metadata[metaCount])
	return e
}

func writeManifest(ctx context.Context, manifest *chromem.Collection, documentID string, e manifestEntry) error {
	return manifest.AddDocument(ctx, chromem.Document{
		ID:      documentID,
		Content: documentID,
		Metadata: map[string]string{
			metaGeneration: strconv.FormatInt(e.generation, 10),
			metaVersion:    strconv.FormatInt(e.version, 10),
			metaPending:    strconv.FormatInt(e.pending, 10),
			metaCount:      strconv.Itoa(e.count),
		},
		Embedding: append([]float32(nil), manifestVector...),
	})
}

func deleteVersion(ctx context.Context, chunks *chromem.Collection, documentID string, version int64) error {
	if version == 0 {
		return nil
	}
	return chunks.Delete(ctx, map[string]string{
		metaDocumentID: documentID,
		metaVersion:    strconv.FormatInt(version, 10),
	}, nil)
}

func (s *ChromemStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Replace implements Store.
func (s *ChromemStore) Replace(ctx context.Context, tenantID tenant.ID, documentID string, generation int64, records []Record) (err error) {
	ctx, obs := observe(ctx, chromemBackend, "replace", tenantID,
		attribute.String("document.id", documentID),
		attribute.Int64("generation", generation),
		attribute.Int("records", len(records)))
	defer obs.end(&err)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateReplace(s.config.Dimension, tenantID, documentID, generation, records); err != nil {
		return err
	}

	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	chunks, manifest, err := s.collections(tenantID)
	if err != nil {
		return err
	}

	current := readManifest(ctx, manifest, documentID)
	if generation < current.generation {
		return fmt.Errorf("%w: document %s has generation %d, got %d", ErrStaleGeneration, documentID, current.generation, generation)
	}

	// Rows of an interrupted write are invisible; drop them first.
	if err := deleteVersion(ctx, chunks, documentID, current.pending); err != nil {
		return fmt.Errorf("removing uncommitted rows: %w", err)
	}

	next := max(current.version, current.pending) + 1
	staged := current
	staged.pending = next
	if err := writeManifest(ctx, manifest, documentID, staged); err != nil {
		return fmt.Errorf("recording pending write: %w", err)
	}

	if len(records) > 0 {
		docs := make([]chromem.Document, len(records))
		for i, r := range records {
			docs[i] = chromem.Document{
				ID:        rowID(r.ChunkID, next),
				Content:   r.Text,
				Embedding: append([]float32(nil), r.Vector...),
				Metadata: map[string]string{
					metaDocumentID: documentID,
					metaChunkID:    r.ChunkID,
					metaVersion:    strconv.FormatInt(next, 10),
					metaOrdinal:    strconv.Itoa(r.Ordinal),
					metaPage:       strconv.Itoa(r.Page),
					metaPageEnd:    strconv.Itoa(r.PageEnd),
					metaSection:    r.Section,
					metaStart:      strconv.Itoa(r.Start),
					metaEnd:        strconv.Itoa(r.End),
					metaModel:      r.Model,
				},
			}
		}
		if err := chunks.AddDocuments(ctx, docs, 1); err != nil {
			_ = deleteVersion(ctx, chunks, documentID, next)
			return fmt.Errorf("adding chunks: %w", err)
		}
	}

	if err := writeManifest(ctx, manifest, documentID, manifestEntry{generation: generation, version: next, count: len(records)}); err != nil {
		return fmt.Errorf("committing generation: %w", err)
	}
	if err := deleteVersion(ctx, chunks, documentID, current.version); err != nil {
		// Superseded rows are already invisible.
		s.logger.Warn(ctx, "failed to remove superseded chunks",
			zap.String("document_id", documentID), zap.Int64("version", current.version), zap.Error(err))
	}

	ChunksWritten.WithLabelValues(chromemBackend).Add(float64(len(records)))
	s.logger.Debug(ctx, "replaced document chunks",
		zap.String("document_id", documentID),
		zap.Int64("generation", generation),
		zap.Int("chunks", len(records)))
	return nil
}

func rowID(chunkID string, version int64) string {
	return chunkID + "@" + strconv.FormatInt(version, 10)
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, tenantID tenant.ID, q Query) (results []SearchResult, err error) {
	ctx, obs := observe(ctx, chromemBackend, "query", tenantID,
		attribute.Int("top_k", q.TopK),
		attribute.Float64("threshold", q.Threshold))
	defer obs.end(&err)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q, err = normalizeQuery(s.config.Dimension, tenantID, q)
	if err != nil {
		return nil, err
	}

	chunks, manifest := s.existingCollections(tenantID)
	if chunks == nil || manifest == nil {
		return []SearchResult{}, nil
	}

	committed := make(map[string]int64)
	visible := func(documentID string, version int64) bool {
		v, ok := committed[documentID]
		if !ok {
			v = readManifest(ctx, manifest, documentID).version
			committed[documentID] = v
		}
		return v != 0 && v == version
	}

	// Rows of superseded or in-flight versions can occupy top slots, so
	// over-fetch until enough committed rows are found.
	n := q.TopK
	results = make([]SearchResult, 0, q.TopK)
	for {
		total := chunks.Count()
		if total == 0 {
			return []SearchResult{}, nil
		}
		n = min(n, total)

		res, err := chunks.QueryEmbedding(ctx, q.Vector, n, nil, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if n > chunks.Count() {
				// Rows were deleted concurrently; retry with the new count.
				continue
			}
			return nil, fmt.Errorf("querying chunks: %w", err)
		}

		results = results[:0]
		exhausted := len(res) < n || n >= total
		last := 1.0
		for _, r := range res {
			sim := Similarity(float64(r.Similarity))
			if sim < q.Threshold {
				exhausted = true
				break
			}
			last = sim
			version, _ := strconv.ParseInt(r.Metadata[metaVersion], 10, 64)
			documentID := r.Metadata[metaDocumentID]
			if !visible(documentID, version) {
				continue
			}
			results = append(results, chromemResult(r, documentID, sim))
		}

		if exhausted {
			break
		}
		if len(results) >= q.TopK {
			// Rows tied with the k-th result may lie past the window and
			// win on ordinal, so widen it until the tie is passed.
			SortResults(results)
			if last < results[q.TopK-1].Similarity {
				break
			}
		}
		n *= 2
	}

	SortResults(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func chromemResult(r chromem.Result, documentID string, sim float64) SearchResult {
	ordinal, _ := strconv.Atoi(r.Metadata[metaOrdinal])
	page, _ := strconv.Atoi(r.Metadata[metaPage])
	return SearchResult{
		ChunkID:    r.Metadata[metaChunkID],
		DocumentID: documentID,
		Similarity: sim,
		Text:       r.Content,
		Page:       page,
		Section:    r.Metadata[metaSection],
		Ordinal:    ordinal,
	}
}

// DeleteDocument implements Store.
func (s *ChromemStore) DeleteDocument(ctx context.Context, tenantID tenant.ID, documentID string) (err error) {
	ctx, obs := observe(ctx, chromemBackend, "delete_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return err
	}

	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	chunks, manifest := s.existingCollections(tenantID)
	if chunks == nil || manifest == nil {
		return nil
	}
	current := readManifest(ctx, manifest, documentID)
	if err := writeManifest(ctx, manifest, documentID, manifestEntry{generation: current.generation}); err != nil {
		return fmt.Errorf("updating manifest: %w", err)
	}
	if err := chunks.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// CountDocument implements Store.
func (s *ChromemStore) CountDocument(ctx context.Context, tenantID tenant.ID, documentID string) (n int, err error) {
	ctx, obs := observe(ctx, chromemBackend, "count_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return 0, err
	}
	_, manifest := s.existingCollections(tenantID)
	e := readManifest(ctx, manifest, documentID)
	if e.version == 0 {
		return 0, nil
	}
	return e.count, nil
}

// Dimension implements Store.
func (s *ChromemStore) Dimension() int {
	return s.config.Dimension
}

// Close implements Store. chromem persists on every write, so there is
// nothing to flush.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
