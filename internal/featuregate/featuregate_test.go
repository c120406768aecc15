package featuregate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

func newGate(t *testing.T, cfg Config) (*Gate, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	g, err := New(cfg, logger.Logger)
	require.NoError(t, err)
	return g, logger
}

func TestNew(t *testing.T) {
	_, err := New(Config{Environment: "prod"}, nil)
	assert.ErrorIs(t, err, ErrInvalidEnvironment)

	g, err := New(Config{Environment: EnvDevelopment}, nil)
	require.NoError(t, err)
	assert.False(t, g.ReadOnly())
	assert.Equal(t, EnvDevelopment, g.Environment())
}

func TestGate_DefaultsDisabled(t *testing.T) {
	g, _ := newGate(t, Config{Environment: EnvStaging})
	ctx := context.Background()

	assert.False(t, g.VectorSearchEnabled(ctx))
	assert.False(t, g.ChunkingEnabled(ctx))
	assert.False(t, g.Enabled(ctx, Flag("reranking")), "unknown flags are never enabled")
}

func TestGate_EnvironmentValues(t *testing.T) {
	g, _ := newGate(t, Config{Environment: EnvProduction, VectorSearch: true, Chunking: true})
	ctx := context.Background()

	assert.True(t, g.VectorSearchEnabled(ctx))
	assert.True(t, g.ChunkingEnabled(ctx))
}

func TestGate_Toggle(t *testing.T) {
	ctx := context.Background()

	t.Run("non-production takes effect immediately", func(t *testing.T) {
		g, logger := newGate(t, Config{Environment: EnvDevelopment})

		require.NoError(t, g.Toggle(ctx, FlagVectorSearch, true, "alice"))
		assert.True(t, g.VectorSearchEnabled(ctx))
		assert.False(t, g.ChunkingEnabled(ctx))

		require.NoError(t, g.Toggle(ctx, FlagVectorSearch, false, "alice"))
		assert.False(t, g.VectorSearchEnabled(ctx))

		logger.AssertLogged(t, zapcore.InfoLevel, "feature toggled")
		logger.AssertField(t, "feature toggled", "actor", "alice")
	})

	t.Run("production is read-only", func(t *testing.T) {
		g, logger := newGate(t, Config{Environment: EnvProduction})

		err := g.Toggle(ctx, FlagVectorSearch, true, "mallory")
		require.ErrorIs(t, err, ErrReadOnly)
		assert.False(t, g.VectorSearchEnabled(ctx), "rejected toggle must not change state")
		logger.AssertLogged(t, zapcore.WarnLevel, "feature toggle rejected")
	})

	t.Run("unknown flag", func(t *testing.T) {
		g, _ := newGate(t, Config{Environment: EnvDevelopment})
		err := g.Toggle(ctx, Flag("turbo"), true, "alice")
		require.ErrorIs(t, err, ErrUnknownFlag)
	})
}

func TestGate_AuditTrail(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, Config{Environment: EnvProduction})

	_ = g.Toggle(ctx, FlagChunking, true, "ops")
	_ = g.Toggle(ctx, Flag("turbo"), true, "ops")

	trail := g.AuditTrail()
	require.Len(t, trail, 2)
	assert.Equal(t, "chunking", trail[0].Flag)
	assert.False(t, trail[0].Accepted)
	assert.Contains(t, trail[0].Reason, "read-only")
	assert.Equal(t, "ops", trail[0].Actor)
	assert.Contains(t, trail[1].Reason, "unknown feature flag")

	t.Run("bounded", func(t *testing.T) {
		g, _ := newGate(t, Config{Environment: EnvDevelopment})
		for i := 0; i < maxAuditEntries+10; i++ {
			require.NoError(t, g.Toggle(ctx, FlagChunking, i%2 == 0, fmt.Sprintf("actor-%d", i)))
		}
		trail := g.AuditTrail()
		require.Len(t, trail, maxAuditEntries)
		assert.Equal(t, "actor-10", trail[0].Actor)
	})
}

func TestGate_TenantOverrides(t *testing.T) {
	g, _ := newGate(t, Config{
		Environment: EnvDevelopment,
		Overrides: Overrides{
			"acme":   {FlagVectorSearch: true},
			"globex": {FlagChunking: false},
		},
		Chunking: true,
	})
	acme := tenant.WithTenant(context.Background(), "acme")
	globex := tenant.WithTenant(context.Background(), "globex")
	other := tenant.WithTenant(context.Background(), "initech")

	assert.True(t, g.VectorSearchEnabled(acme))
	assert.True(t, g.ChunkingEnabled(acme), "flags without an override fall through")
	assert.False(t, g.VectorSearchEnabled(other))
	assert.False(t, g.ChunkingEnabled(globex))
	assert.True(t, g.ChunkingEnabled(other))

	// Overrides win over runtime toggles.
	require.NoError(t, g.Toggle(context.Background(), FlagVectorSearch, false, "alice"))
	assert.True(t, g.VectorSearchEnabled(acme))
}

func TestGate_Snapshot(t *testing.T) {
	g, _ := newGate(t, Config{
		Environment: EnvStaging,
		Overrides:   Overrides{"acme": {FlagVectorSearch: true}},
	})
	require.NoError(t, g.Toggle(context.Background(), FlagChunking, true, "alice"))

	s := g.Snapshot(tenant.WithTenant(context.Background(), "acme"))
	assert.Equal(t, EnvStaging, s.Environment)
	assert.False(t, s.ReadOnly)
	assert.Equal(t, map[string]bool{"vector_search": true, "chunking": true}, s.Flags)
	assert.Equal(t, map[string]string{"vector_search": "override", "chunking": "runtime"}, s.Sources)

	s = g.Snapshot(context.Background())
	assert.Equal(t, "environment", s.Sources["vector_search"])
	assert.False(t, s.Flags["vector_search"])
}

func TestGate_ConcurrentToggleAndRead(t *testing.T) {
	g, _ := newGate(t, Config{Environment: EnvDevelopment})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = g.Toggle(ctx, FlagVectorSearch, i%2 == 0, "race")
		}(i)
		go func() {
			defer wg.Done()
			_ = g.VectorSearchEnabled(ctx)
			_ = g.Snapshot(ctx)
		}()
	}
	wg.Wait()
	assert.Len(t, g.AuditTrail(), 8)
}

func TestParseFlag(t *testing.T) {
	f, err := ParseFlag("vector_search")
	require.NoError(t, err)
	assert.Equal(t, FlagVectorSearch, f)

	_, err = ParseFlag("VECTOR_SEARCH")
	assert.ErrorIs(t, err, ErrUnknownFlag)
}
