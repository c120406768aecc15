package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/manualrag/internal/qdrant"
)

func newTestQdrantStore(t *testing.T) (*QdrantStore, *fakeQdrant) {
	t.Helper()
	fake := newFakeQdrant()
	s, err := NewQdrantStore(context.Background(), fake, QdrantConfig{Collection: "manual_chunks", Dimension: testDim}, nil)
	require.NoError(t, err)
	return s, fake
}

func TestQdrantConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, QdrantConfig{Dimension: 4}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, QdrantConfig{Collection: "c"}.Validate(), ErrInvalidConfig)
	assert.NoError(t, QdrantConfig{Collection: "c", Dimension: 4}.Validate())

	_, err := NewQdrantStore(context.Background(), nil, QdrantConfig{Collection: "c", Dimension: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantStore_EveryRequestScopedToTenant(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestQdrantStore(t)

	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 1, sampleRecords("manual-a")))
	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 2, sampleRecords("manual-a")))
	_, err := s.Query(ctx, tenantA, Query{Vector: []float32{1, 0, 0, 0}, TopK: 3})
	require.NoError(t, err)
	_, err = s.CountDocument(ctx, tenantA, "manual-a")
	require.NoError(t, err)
	require.NoError(t, s.DeleteDocument(ctx, tenantA, "manual-a"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.filters)
	for _, f := range fake.filters {
		require.NotNil(t, f)
		assert.Contains(t, f.Must, qdrant.Match(payloadTenantID, "acme"))
	}
}

func TestQdrantStore_SupersededPointsRemoved(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestQdrantStore(t)

	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 1, nRecords("manual-a", 5)))
	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 2, nRecords("manual-a", 2)))
	assert.Equal(t, 2, fake.pointCount("manual_chunks"))
	assert.Equal(t, 1, fake.pointCount("manual_chunks_manifest"))
}

func TestQdrantStore_FailedUpsertKeepsCommittedSet(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestQdrantStore(t)

	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 1, nRecords("manual-a", 3)))

	fake.upsertErr = status.Error(codes.Unavailable, "qdrant down")
	err := s.Replace(ctx, tenantA, "manual-a", 2, nRecords("manual-a", 5))
	require.Error(t, err)
	assert.True(t, IsTransientError(err))
	fake.upsertErr = nil

	n, err := s.CountDocument(ctx, tenantA, "manual-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Query(ctx, tenantA, Query{Vector: []float32{1, 0, 0, 0}, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	// The failed generation was never committed, so it can be retried.
	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 2, nRecords("manual-a", 5)))
	n, err = s.CountDocument(ctx, tenantA, "manual-a")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestQdrantStore_PagesPastInvisiblePoints(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestQdrantStore(t)

	require.NoError(t, s.Replace(ctx, tenantA, "manual-a", 1, []Record{rec("manual-a", 0, 0.6, 0.8, 0, 0)}))

	// Uncommitted points of a crashed write outrank the committed one.
	var ghosts []*qdrant.Point
	for i := 0; i < 3*minQueryPage; i++ {
		ghosts = append(ghosts, &qdrant.Point{
			ID:     chunkPointID(tenantA, "manual-a", "ghost", int64(100+i)),
			Vector: []float32{1, 0, 0, 0},
			Payload: map[string]interface{}{
				payloadTenantID: "acme",
				metaDocumentID:  "manual-a",
				metaChunkID:     "manual-a:0099",
				metaVersion:     int64(100 + i),
			},
		})
	}
	require.NoError(t, fake.Upsert(ctx, "manual_chunks", ghosts))

	results, err := s.Query(ctx, tenantA, Query{Vector: []float32{1, 0, 0, 0}, TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"manual-a:0000"}, chunkIDs(results))
}

func TestQdrantStore_Close(t *testing.T) {
	s, fake := newTestQdrantStore(t)
	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
}
