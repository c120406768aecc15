package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// MaxTopK caps the number of results a single query returns.
const MaxTopK = 100

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDimensionMismatch is returned when a record or query vector does
	// not have the store's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrStaleGeneration is returned by Replace when a newer generation of
	// the document has already been committed.
	ErrStaleGeneration = errors.New("stale document generation")

	// ErrInvalidRecord indicates a malformed record.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidQuery indicates malformed query parameters.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vector store closed")
)

// Record is one chunk and its embedding, as written by Replace.
type Record struct {
	ChunkID string
	Ordinal int
	Text    string
	Page    int
	PageEnd int
	Section string
	// Start and End are rune offsets into the extracted document text.
	Start  int
	End    int
	Vector []float32
	// Model identifies the embedding model that produced Vector.
	Model string
}

// SearchResult is one ranked chunk returned by Query.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Similarity float64 `json:"similarity"`
	Text       string  `json:"chunk_text"`
	Page       int     `json:"page"`
	Section    string  `json:"section,omitempty"`
	Ordinal    int     `json:"ordinal"`
}

// Query holds nearest-neighbor search parameters.
type Query struct {
	Vector []float32
	// TopK is capped at MaxTopK.
	TopK int
	// Threshold is the minimum similarity in [0,1].
	Threshold float64
}

// Store persists chunk embeddings per tenant and document.
type Store interface {
	// Replace atomically swaps the chunk set of documentID for records.
	// A generation lower than the committed one returns ErrStaleGeneration
	// and changes nothing. An empty records slice commits an empty set.
	Replace(ctx context.Context, tenantID tenant.ID, documentID string, generation int64, records []Record) error

	// Query returns at most TopK committed chunks of tenantID with
	// similarity >= Threshold, ordered by similarity descending, then
	// ordinal, then chunk ID.
	Query(ctx context.Context, tenantID tenant.ID, q Query) ([]SearchResult, error)

	// DeleteDocument removes every chunk of documentID. The committed
	// generation is kept, so older runs stay fenced.
	DeleteDocument(ctx context.Context, tenantID tenant.ID, documentID string) error

	// CountDocument returns the number of committed chunks of documentID.
	CountDocument(ctx context.Context, tenantID tenant.ID, documentID string) (int, error)

	// Dimension returns the configured vector dimension.
	Dimension() int

	// Close releases backend resources.
	Close() error
}

// Similarity converts a cosine value to the [0,1] range used in results.
// Opposing vectors score 0.
func Similarity(cosine float64) float64 {
	if math.IsNaN(cosine) || cosine < 0 {
		return 0
	}
	return min(cosine, 1)
}

// Cosine returns the cosine of the angle between a and b, or 0 when either
// has zero length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortResults orders results by similarity descending, then ordinal
// ascending, then chunk ID.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.ChunkID < b.ChunkID
	})
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// validateReplace checks Replace arguments shared by all backends.
func validateReplace(dim int, tenantID tenant.ID, documentID string, generation int64, records []Record) error {
	if err := tenantID.Validate(); err != nil {
		return err
	}
	if err := sanitize.ValidateDocumentID(documentID); err != nil {
		return err
	}
	if generation <= 0 {
		return fmt.Errorf("%w: generation must be positive, got %d", ErrInvalidRecord, generation)
	}
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.ChunkID == "" {
			return fmt.Errorf("%w: record %d has no chunk ID", ErrInvalidRecord, i)
		}
		if _, dup := seen[r.ChunkID]; dup {
			return fmt.Errorf("%w: duplicate chunk ID %q", ErrInvalidRecord, r.ChunkID)
		}
		seen[r.ChunkID] = struct{}{}
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: chunk %q has %d dimensions, store expects %d", ErrDimensionMismatch, r.ChunkID, len(r.Vector), dim)
		}
		if isZero(r.Vector) {
			return fmt.Errorf("%w: chunk %q has a zero vector", ErrInvalidRecord, r.ChunkID)
		}
	}
	return nil
}

// normalizeQuery validates q and caps TopK.
func normalizeQuery(dim int, tenantID tenant.ID, q Query) (Query, error) {
	if err := tenantID.Validate(); err != nil {
		return q, err
	}
	if q.TopK <= 0 {
		return q, fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidQuery, q.TopK)
	}
	q.TopK = min(q.TopK, MaxTopK)
	if q.Threshold < 0 || q.Threshold > 1 || math.IsNaN(q.Threshold) {
		return q, fmt.Errorf("%w: similarity threshold must be in [0,1], got %v", ErrInvalidQuery, q.Threshold)
	}
	if len(q.Vector) != dim {
		return q, fmt.Errorf("%w: query has %d dimensions, store expects %d", ErrDimensionMismatch, len(q.Vector), dim)
	}
	if isZero(q.Vector) {
		return q, fmt.Errorf("%w: zero query vector", ErrInvalidQuery)
	}
	return q, nil
}

func validateDocumentScope(tenantID tenant.ID, documentID string) error {
	if err := tenantID.Validate(); err != nil {
		return err
	}
	return sanitize.ValidateDocumentID(documentID)
}

// documentLocks serializes writes per (tenant, document). Entries are
// reference counted and dropped when unused.
type documentLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{locks: make(map[string]*refMutex)}
}

// lock blocks until the document is free and returns its unlock func.
func (d *documentLocks) lock(tenantID tenant.ID, documentID string) func() {
	key := string(tenantID) + "\x00" + documentID

	d.mu.Lock()
	m, ok := d.locks[key]
	if !ok {
		m = &refMutex{}
		d.locks[key] = m
	}
	m.refs++
	d.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		d.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(d.locks, key)
		}
		d.mu.Unlock()
	}
}
