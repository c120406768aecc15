package vectorstore

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/qdrant"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

const (
	qdrantBackend = "qdrant"

	payloadTenantID = "tenant_id"
	payloadText     = "text"

	qdrantUpsertBatch = 256
	minQueryPage      = 16
)

// pointNamespace derives deterministic point UUIDs.
var pointNamespace = uuid.MustParse("6f1c7f2e-3b0a-4d8e-9c41-5a7d2b9e0f13")

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	// Collection holds chunk points for every tenant. The manifest lives in
	// Collection + "_manifest".
	Collection string
	Dimension  int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("%w: qdrant collection name is required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c QdrantConfig) manifestCollection() string {
	return c.Collection + "_manifest"
}

// QdrantStore implements Store on a shared Qdrant collection. Every
// request carries a tenant_id filter; commits are tracked in a manifest
// collection the same way as ChromemStore.
type QdrantStore struct {
	client qdrant.Client
	config QdrantConfig
	logger *logging.Logger
	locks  *documentLocks
}

// NewQdrantStore ensures both collections exist and returns the store.
func NewQdrantStore(ctx context.Context, client qdrant.Client, cfg QdrantConfig, logger *logging.Logger) (*QdrantStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: qdrant client is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := client.EnsureCollection(ctx, cfg.Collection, uint64(cfg.Dimension), payloadTenantID, metaDocumentID); err != nil {
		return nil, fmt.Errorf("ensuring chunk collection: %w", err)
	}
	if err := client.EnsureCollection(ctx, cfg.manifestCollection(), uint64(len(manifestVector)), payloadTenantID); err != nil {
		return nil, fmt.Errorf("ensuring manifest collection: %w", err)
	}

	logger.Info(ctx, "qdrant vector store initialized",
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension))

	return &QdrantStore{client: client, config: cfg, logger: logger, locks: newDocumentLocks()}, nil
}

// IsTransientError reports whether a store error is worth retrying later.
func IsTransientError(err error) bool {
	return qdrant.IsTransientError(err)
}

func manifestPointID(tenantID tenant.ID, documentID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(string(tenantID)+"\x00"+documentID)).String()
}

func chunkPointID(tenantID tenant.ID, documentID, chunkID string, version int64) string {
	name := fmt.Sprintf("%s\x00%s\x00%s\x00%d", tenantID, documentID, chunkID, version)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

func payloadInt(p map[string]interface{}, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func (s *QdrantStore) readManifest(ctx context.Context, tenantID tenant.ID, documentID string) (manifestEntry, error) {
	points, err := s.client.Get(ctx, s.config.manifestCollection(), []string{manifestPointID(tenantID, documentID)})
	if err != nil {
		return manifestEntry{}, fmt.Errorf("reading manifest: %w", err)
	}
	for _, p := range points {
		if payloadString(p.Payload, payloadTenantID) != string(tenantID) {
			continue
		}
		return manifestEntry{
			generation: payloadInt(p.Payload, metaGeneration),
			version:    payloadInt(p.Payload, metaVersion),
			pending:    payloadInt(p.Payload, metaPending),
			count:      int(payloadInt(p.Payload, metaCount)),
		}, nil
	}
	return manifestEntry{}, nil
}

func (s *QdrantStore) writeManifest(ctx context.Context, tenantID tenant.ID, documentID string, e manifestEntry) error {
	return s.client.Upsert(ctx, s.config.manifestCollection(), []*qdrant.Point{{
		ID:     manifestPointID(tenantID, documentID),
		Vector: append([]float32(nil), manifestVector...),
		Payload: map[string]interface{}{
			payloadTenantID: string(tenantID),
			metaDocumentID:  documentID,
			metaGeneration:  e.generation,
			metaVersion:     e.version,
			metaPending:     e.pending,
			metaCount:       int64(e.count),
		},
	}})
}

// documentFilter scopes to one document of one tenant.
func documentFilter(tenantID tenant.ID, documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []qdrant.Condition{
		qdrant.Match(payloadTenantID, string(tenantID)),
		qdrant.Match(metaDocumentID, documentID),
	}}
}

func (s *QdrantStore) deleteVersion(ctx context.Context, tenantID tenant.ID, documentID string, version int64) error {
	if version == 0 {
		return nil
	}
	f := documentFilter(tenantID, documentID)
	f.Must = append(f.Must, qdrant.Match(metaVersion, version))
	return s.client.DeleteByFilter(ctx, s.config.Collection, f)
}

// Replace implements Store.
func (s *QdrantStore) Replace(ctx context.Context, tenantID tenant.ID, documentID string, generation int64, records []Record) (err error) {
	ctx, obs := observe(ctx, qdrantBackend, "replace", tenantID,
		attribute.String("document.id", documentID),
		attribute.Int64("generation", generation),
		attribute.Int("records", len(records)))
	defer obs.end(&err)

	if err := validateReplace(s.config.Dimension, tenantID, documentID, generation, records); err != nil {
		return err
	}

	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	current, err := s.readManifest(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if generation < current.generation {
		return fmt.Errorf("%w: document %s has generation %d, got %d", ErrStaleGeneration, documentID, current.generation, generation)
	}

	if err := s.deleteVersion(ctx, tenantID, documentID, current.pending); err != nil {
		return fmt.Errorf("removing uncommitted points: %w", err)
	}

	next := max(current.version, current.pending) + 1
	staged := current
	staged.pending = next
	if err := s.writeManifest(ctx, tenantID, documentID, staged); err != nil {
		return fmt.Errorf("recording pending write: %w", err)
	}

	for start := 0; start < len(records); start += qdrantUpsertBatch {
		end := min(start+qdrantUpsertBatch, len(records))
		points := make([]*qdrant.Point, 0, end-start)
		for _, r := range records[start:end] {
			points = append(points, &qdrant.Point{
				ID:     chunkPointID(tenantID, documentID, r.ChunkID, next),
				Vector: r.Vector,
				Payload: map[string]interface{}{
					payloadTenantID: string(tenantID),
					metaDocumentID:  documentID,
					metaChunkID:     r.ChunkID,
					metaVersion:     next,
					metaOrdinal:     int64(r.Ordinal),
					metaPage:        int64(r.Page),
					metaPageEnd:     int64(r.PageEnd),
					metaSection:     r.Section,
					metaStart:       int64(r.Start),
					metaEnd:         int64(r.End),
					metaModel:       r.Model,
					payloadText:     r.Text,
				},
			})
		}
		if err := s.client.Upsert(ctx, s.config.Collection, points); err != nil {
			if cleanupErr := s.deleteVersion(ctx, tenantID, documentID, next); cleanupErr != nil {
				s.logger.Warn(ctx, "failed to remove partial write", zap.Error(cleanupErr))
			}
			return fmt.Errorf("upserting chunks: %w", err)
		}
	}

	if err := s.writeManifest(ctx, tenantID, documentID, manifestEntry{generation: generation, version: next, count: len(records)}); err != nil {
		return fmt.Errorf("committing generation: %w", err)
	}

	// Everything but the committed version is garbage now.
	cleanup := documentFilter(tenantID, documentID)
	cleanup.MustNot = []qdrant.Condition{qdrant.Match(metaVersion, next)}
	if err := s.client.DeleteByFilter(ctx, s.config.Collection, cleanup); err != nil {
		s.logger.Warn(ctx, "failed to remove superseded chunks",
			zap.String("document_id", documentID), zap.Error(err))
	}

	ChunksWritten.WithLabelValues(qdrantBackend).Add(float64(len(records)))
	s.logger.Debug(ctx, "replaced document chunks",
		zap.String("document_id", documentID),
		zap.Int64("generation", generation),
		zap.Int("chunks", len(records)))
	return nil
}

// Query implements Store. Pages through hits until TopK committed chunks
// are collected or the tenant's hits run out.
func (s *QdrantStore) Query(ctx context.Context, tenantID tenant.ID, q Query) (results []SearchResult, err error) {
	ctx, obs := observe(ctx, qdrantBackend, "query", tenantID,
		attribute.Int("top_k", q.TopK),
		attribute.Float64("threshold", q.Threshold))
	defer obs.end(&err)

	q, err = normalizeQuery(s.config.Dimension, tenantID, q)
	if err != nil {
		return nil, err
	}

	req := qdrant.SearchRequest{
		Vector: q.Vector,
		Limit:  uint64(max(2*q.TopK, minQueryPage)),
		Filter: &qdrant.Filter{Must: []qdrant.Condition{qdrant.Match(payloadTenantID, string(tenantID))}},
	}
	if q.Threshold > 0 {
		// Rounded down so float32 conversion never drops a qualifying hit.
		t := math.Nextafter32(float32(q.Threshold), 0)
		req.ScoreThreshold = &t
	}

	committed := make(map[string]int64)
	results = []SearchResult{}
	for {
		hits, err := s.client.Search(ctx, s.config.Collection, req)
		if err != nil {
			return nil, fmt.Errorf("searching chunks: %w", err)
		}

		last := 1.0
		for _, h := range hits {
			sim := Similarity(float64(h.Score))
			last = min(last, sim)
			if payloadString(h.Payload, payloadTenantID) != string(tenantID) {
				continue
			}
			if sim < q.Threshold {
				continue
			}
			documentID := payloadString(h.Payload, metaDocumentID)
			version, ok := committed[documentID]
			if !ok {
				e, err := s.readManifest(ctx, tenantID, documentID)
				if err != nil {
					return nil, err
				}
				version = e.version
				committed[documentID] = version
			}
			if version == 0 || payloadInt(h.Payload, metaVersion) != version {
				continue
			}
			results = append(results, SearchResult{
				ChunkID:    payloadString(h.Payload, metaChunkID),
				DocumentID: documentID,
				Similarity: sim,
				Text:       payloadString(h.Payload, payloadText),
				Page:       int(payloadInt(h.Payload, metaPage)),
				Section:    payloadString(h.Payload, metaSection),
				Ordinal:    int(payloadInt(h.Payload, metaOrdinal)),
			})
		}

		if uint64(len(hits)) < req.Limit {
			break
		}
		if len(results) >= q.TopK {
			// Hits tied with the k-th result on the next page may win on
			// ordinal; keep paging until the scores drop below it.
			SortResults(results)
			if last < results[q.TopK-1].Similarity {
				break
			}
		}
		req.Offset += req.Limit
	}

	SortResults(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// DeleteDocument implements Store.
func (s *QdrantStore) DeleteDocument(ctx context.Context, tenantID tenant.ID, documentID string) (err error) {
	ctx, obs := observe(ctx, qdrantBackend, "delete_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return err
	}
	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	current, err := s.readManifest(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if err := s.writeManifest(ctx, tenantID, documentID, manifestEntry{generation: current.generation}); err != nil {
		return fmt.Errorf("updating manifest: %w", err)
	}
	if err := s.client.DeleteByFilter(ctx, s.config.Collection, documentFilter(tenantID, documentID)); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// CountDocument implements Store.
func (s *QdrantStore) CountDocument(ctx context.Context, tenantID tenant.ID, documentID string) (n int, err error) {
	ctx, obs := observe(ctx, qdrantBackend, "count_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return 0, err
	}
	e, err := s.readManifest(ctx, tenantID, documentID)
	if err != nil {
		return 0, err
	}
	if e.version == 0 {
		return 0, nil
	}
	f := documentFilter(tenantID, documentID)
	f.Must = append(f.Must, qdrant.Match(metaVersion, e.version))
	count, err := s.client.Count(ctx, s.config.Collection, f)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return int(count), nil
}

// Dimension implements Store.
func (s *QdrantStore) Dimension() int {
	return s.config.Dimension
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
