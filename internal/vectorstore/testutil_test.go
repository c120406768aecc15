package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/manualrag/internal/qdrant"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

const testDim = 4

var (
	tenantA = tenant.ID("acme")
	tenantB = tenant.ID("globex")
)

func rec(documentID string, ordinal int, vector ...float32) Record {
	return Record{
		ChunkID: fmt.Sprintf("%s:%04d", documentID, ordinal),
		Ordinal: ordinal,
		Text:    fmt.Sprintf("chunk %d of %s", ordinal, documentID),
		Page:    ordinal/2 + 1,
		PageEnd: ordinal/2 + 1,
		Section: "3.1 Hydraulics",
		Start:   ordinal * 10,
		End:     ordinal*10 + 10,
		Vector:  vector,
		Model:   "test-model",
	}
}

// nRecords returns n distinct non-zero records for documentID.
func nRecords(documentID string, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = rec(documentID, i, 1, float32(i)*0.01, 0, 0)
	}
	return out
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"chromem-memory", func(t *testing.T) Store {
			s, err := NewChromemStore(ChromemConfig{Dimension: testDim}, nil)
			require.NoError(t, err)
			return s
		}},
		{"chromem-persistent", func(t *testing.T) Store {
			s, err := NewChromemStore(ChromemConfig{Path: t.TempDir(), Dimension: testDim}, nil)
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), SQLiteConfig{
				Path:      filepath.Join(t.TempDir(), "vectors.db"),
				Dimension: testDim,
			}, nil)
			require.NoError(t, err)
			return s
		}},
		{"qdrant", func(t *testing.T) Store {
			s, err := NewQdrantStore(context.Background(), newFakeQdrant(), QdrantConfig{
				Collection: "manual_chunks",
				Dimension:  testDim,
			}, nil)
			require.NoError(t, err)
			return s
		}},
	}
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

// fakeQdrant is an in-memory qdrant.Client with exact filter semantics.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]*qdrant.Point
	filters     []*qdrant.Filter
	upsertErr   error
	closed      bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: make(map[string]map[string]*qdrant.Point)}
}

func (f *fakeQdrant) EnsureCollection(_ context.Context, name string, _ uint64, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = make(map[string]*qdrant.Point)
	}
	return nil
}

func (f *fakeQdrant) collection(name string) (map[string]*qdrant.Point, error) {
	c, ok := f.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	return c, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, collection string, points []*qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil && collection != "manual_chunks_manifest" {
		return f.upsertErr
	}
	c, err := f.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		payload := make(map[string]interface{}, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = normalizeValue(v)
		}
		c[p.ID] = &qdrant.Point{ID: p.ID, Vector: append([]float32(nil), p.Vector...), Payload: payload}
	}
	return nil
}

func (f *fakeQdrant) Get(_ context.Context, collection string, ids []string) ([]*qdrant.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.collection(collection)
	if err != nil {
		return nil, err
	}
	var out []*qdrant.Point
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeQdrant) Search(_ context.Context, collection string, req qdrant.SearchRequest) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, req.Filter)
	c, err := f.collection(collection)
	if err != nil {
		return nil, err
	}
	var hits []*qdrant.ScoredPoint
	for _, p := range c {
		if !matches(p, req.Filter) {
			continue
		}
		score := float32(Cosine(p.Vector, req.Vector))
		if req.ScoreThreshold != nil && score < *req.ScoreThreshold {
			continue
		}
		hits = append(hits, &qdrant.ScoredPoint{Point: *p, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if req.Offset >= uint64(len(hits)) {
		return nil, nil
	}
	hits = hits[req.Offset:]
	if uint64(len(hits)) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

func (f *fakeQdrant) Count(_ context.Context, collection string, filter *qdrant.Filter) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	c, err := f.collection(collection)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, p := range c {
		if matches(p, filter) {
			n++
		}
	}
	return n, nil
}

func (f *fakeQdrant) DeleteByFilter(_ context.Context, collection string, filter *qdrant.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	c, err := f.collection(collection)
	if err != nil {
		return err
	}
	for id, p := range c {
		if matches(p, filter) {
			delete(c, id)
		}
	}
	return nil
}

func (f *fakeQdrant) Health(context.Context) error { return nil }

func (f *fakeQdrant) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeQdrant) pointCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

func normalizeValue(v interface{}) interface{} {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

func matches(p *qdrant.Point, f *qdrant.Filter) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if p.Payload[c.Field] != normalizeValue(c.Match) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if p.Payload[c.Field] == normalizeValue(c.Match) {
			return false
		}
	}
	return true
}

var _ qdrant.Client = (*fakeQdrant)(nil)
