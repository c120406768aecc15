package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the manualrag config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "manualrag")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "local", cfg.Ingestion.Dispatcher)
	assert.Equal(t, 0.5, cfg.Ingestion.FailureThreshold)
	assert.False(t, cfg.Features.VectorSearch, "vector search must default to disabled")
	assert.False(t, cfg.Features.Chunking)
	assert.Equal(t, ByteSize(64<<20), cfg.Storage.MaxFileSize)
	assert.Empty(t, cfg.Auth.AdminTenants, "nobody may toggle flags unless configured")
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
environment: staging
server:
  port: 8088
  shutdown_timeout: 3s
chunking:
  size: 800
  overlap: 80
vectorstore:
  provider: sqlite
  sqlite:
    path: /tmp/vec.db
embeddings:
  provider: hashing
  dimension: 64
auth:
  tenants:
    acme: s3cret
features:
  vector_search: true
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, "sqlite", cfg.VectorStore.Provider)
	assert.Equal(t, "/tmp/vec.db", cfg.VectorStore.SQLite.Path)
	assert.Equal(t, 64, cfg.Embeddings.Dimension)
	assert.True(t, cfg.Features.VectorSearch)
	assert.Equal(t, map[string]string{"s3cret": "acme"}, cfg.Auth.TenantTokenMap())
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0600)

	t.Setenv("MANUALRAG_SERVER_PORT", "9300")
	t.Setenv("MANUALRAG_ENVIRONMENT", "production")
	t.Setenv("MANUALRAG_FEATURES_VECTOR_SEARCH", "true")
	t.Setenv("MANUALRAG_VECTORSTORE_PROVIDER", "qdrant")
	t.Setenv("MANUALRAG_VECTORSTORE_QDRANT_HOST", "qdrant.internal")
	t.Setenv("MANUALRAG_AUTH_TENANT_TOKENS", "acme:tok-a, globex:tok-g")
	t.Setenv("MANUALRAG_AUTH_ADMIN_TENANTS", "acme, globex")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Features.VectorSearch)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, map[string]string{"tok-a": "acme", "tok-g": "globex"}, cfg.Auth.TenantTokenMap())
	assert.Equal(t, []string{"acme", "globex"}, cfg.Auth.AdminTenants)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	t.Run("insecure permissions", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "server:\n  port: 8088\n", 0644)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("outside allowed directories", func(t *testing.T) {
		setupTestHome(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1\n"), 0600))
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("explicit missing file", func(t *testing.T) {
		dir := setupTestHome(t)
		_, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("admin tenant without a token", func(t *testing.T) {
		setupTestHome(t)
		t.Setenv("MANUALRAG_AUTH_TENANT_TOKENS", "acme:tok-a")
		t.Setenv("MANUALRAG_AUTH_ADMIN_TENANTS", "ops")
		_, err := LoadWithFile("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `auth.admin_tenants: tenant "ops" has no token`)
	})

	t.Run("unknown provider", func(t *testing.T) {
		setupTestHome(t)
		t.Setenv("MANUALRAG_VECTORSTORE_PROVIDER", "pinecone")
		_, err := LoadWithFile("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown vectorstore.provider")
	})

	t.Run("malformed tenant tokens", func(t *testing.T) {
		setupTestHome(t)
		t.Setenv("MANUALRAG_AUTH_TENANT_TOKENS", "acme")
		_, err := LoadWithFile("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed tenant token pair")
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"MANUALRAG_SERVER_PORT":              "server.port",
		"MANUALRAG_SERVER_SHUTDOWN_TIMEOUT":  "server.shutdown_timeout",
		"MANUALRAG_ENVIRONMENT":              "environment",
		"MANUALRAG_VECTORSTORE_PROVIDER":     "vectorstore.provider",
		"MANUALRAG_VECTORSTORE_CHROMEM_PATH": "vectorstore.chromem.path",
		"MANUALRAG_INGESTION_STALE_AFTER":    "ingestion.stale_after",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestByteSize_UnmarshalText(t *testing.T) {
	tests := map[string]ByteSize{
		"1024":   1024,
		"64MiB":  64 << 20,
		"10 MB":  10_000_000,
		"1.5KiB": 1536,
	}
	for in, want := range tests {
		var b ByteSize
		require.NoError(t, b.UnmarshalText([]byte(in)), in)
		assert.Equal(t, want, b, in)
	}

	var b ByteSize
	assert.Error(t, b.UnmarshalText([]byte("lots")))
	assert.Equal(t, "64 MiB", ByteSize(64<<20).String())
}

func TestLoadWithFile_MaxFileSizeFromEnv(t *testing.T) {
	setupTestHome(t)
	t.Setenv("MANUALRAG_STORAGE_MAX_FILE_SIZE", "8MiB")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, int64(8<<20), cfg.Storage.MaxFileSize.Int64())
}
