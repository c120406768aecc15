// Package config provides configuration loading for manualrag.
//
// Configuration comes from an optional YAML file overridden by MANUALRAG_*
// environment variables. Defaults are applied after both sources are merged,
// then the result is validated. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Environment names.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// Config holds the complete manualrag configuration.
type Config struct {
	Environment string            `koanf:"environment"`
	Server      ServerConfig      `koanf:"server"`
	Auth        AuthConfig        `koanf:"auth"`
	Storage     StorageConfig     `koanf:"storage"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Documents   DocumentsConfig   `koanf:"documents"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Features    FeaturesConfig    `koanf:"features"`
	NATS        NATSConfig        `koanf:"nats"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// AuthConfig maps bearer tokens to tenants.
//
// Tenants is keyed by tenant ID. TenantTokens is the env-friendly form
// "tenant:token,tenant2:token2" and is merged into Tenants on load.
// AdminTenants may toggle process-wide feature flags; it is empty by
// default, so nobody can.
type AuthConfig struct {
	Tenants      map[string]Secret `koanf:"tenants"`
	TenantTokens Secret            `koanf:"tenant_tokens"`
	AdminTenants []string          `koanf:"admin_tenants"`
}

// StorageConfig locates uploaded files.
type StorageConfig struct {
	Root string `koanf:"root"`
	// Inbox is watched for new manuals; relative paths resolve against Root.
	Inbox       string   `koanf:"inbox"`
	MaxFileSize ByteSize `koanf:"max_file_size"`
}

// ChunkingConfig controls the chunking engine. Sizes are in characters.
type ChunkingConfig struct {
	Size      int `koanf:"size"`
	Overlap   int `koanf:"overlap"`
	MinSize   int `koanf:"min_size"`
	Tolerance int `koanf:"tolerance"`
}

// EmbeddingsConfig selects and tunes the embedding provider and gateway.
type EmbeddingsConfig struct {
	Provider       string   `koanf:"provider"` // fastembed, tei, openai, hashing
	Model          string   `koanf:"model"`
	BaseURL        string   `koanf:"base_url"`
	APIKey         Secret   `koanf:"api_key"`
	CacheDir       string   `koanf:"cache_dir"`
	Dimension      int      `koanf:"dimension"`
	BatchSize      int      `koanf:"batch_size"`
	MaxConcurrency int      `koanf:"max_concurrency"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	RequestsPerSec float64  `koanf:"requests_per_sec"`
	Burst          int      `koanf:"burst"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // chromem, sqlite, qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	SQLite   SQLiteConfig  `koanf:"sqlite"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path     string `koanf:"path"` // empty means in-memory
	Compress bool   `koanf:"compress"`
}

// SQLiteConfig configures the SQLite vector backend.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
	CollectionName string   `koanf:"collection_name"`
	UseTLS         bool     `koanf:"use_tls"`
	APIKey         Secret   `koanf:"api_key"`
	MaxRetries     int      `koanf:"max_retries"`
	RetryBackoff   Duration `koanf:"retry_backoff"`
}

// DocumentsConfig configures the document status repository.
type DocumentsConfig struct {
	Path string `koanf:"path"`
}

// IngestionConfig tunes the ingestion pipeline.
type IngestionConfig struct {
	Dispatcher       string   `koanf:"dispatcher"` // local, nats, temporal
	Workers          int      `koanf:"workers"`
	QueueSize        int      `koanf:"queue_size"`
	StaleAfter       Duration `koanf:"stale_after"`
	Timeout          Duration `koanf:"timeout"`
	FailureThreshold float64  `koanf:"failure_threshold"`
	WatchInbox       bool     `koanf:"watch_inbox"`
}

// RetrievalConfig tunes query-time behavior.
type RetrievalConfig struct {
	Timeout             Duration `koanf:"timeout"`
	LegacyTimeout       Duration `koanf:"legacy_timeout"`
	DefaultTopK         int      `koanf:"default_top_k"`
	DefaultThreshold    float64  `koanf:"default_threshold"`
	LegacyCandidatePool int      `koanf:"legacy_candidate_pool"`
}

// FeaturesConfig holds startup feature flag values.
type FeaturesConfig struct {
	VectorSearch  bool   `koanf:"vector_search"`
	Chunking      bool   `koanf:"chunking"`
	OverridesFile string `koanf:"overrides_file"`
}

// NATSConfig configures the NATS dispatcher.
type NATSConfig struct {
	URL        string `koanf:"url"`
	Subject    string `koanf:"subject"`
	QueueGroup string `koanf:"queue_group"`
}

// TemporalConfig configures the Temporal dispatcher.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
	// Fields are attached to every entry, e.g. site or region.
	Fields map[string]string `koanf:"fields"`
}

// IsProduction reports whether the environment is read-only for feature flags.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment:
	default:
		return fmt.Errorf("environment must be production, staging or development, got %q", c.Environment)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	for _, admin := range c.Auth.AdminTenants {
		if token, ok := c.Auth.Tenants[admin]; !ok || !token.IsSet() {
			return fmt.Errorf("auth.admin_tenants: tenant %q has no token", admin)
		}
	}

	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai", "hashing":
	default:
		return fmt.Errorf("unknown embeddings.provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension < 0 {
		return fmt.Errorf("embeddings.dimension must not be negative")
	}

	switch c.VectorStore.Provider {
	case "chromem", "sqlite", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore.provider %q", c.VectorStore.Provider)
	}

	switch c.Ingestion.Dispatcher {
	case "local", "nats", "temporal":
	default:
		return fmt.Errorf("unknown ingestion.dispatcher %q", c.Ingestion.Dispatcher)
	}
	if c.Ingestion.FailureThreshold <= 0 || c.Ingestion.FailureThreshold > 1 {
		return fmt.Errorf("ingestion.failure_threshold must be in (0,1], got %v", c.Ingestion.FailureThreshold)
	}

	if c.Retrieval.DefaultThreshold < 0 || c.Retrieval.DefaultThreshold > 1 {
		return fmt.Errorf("retrieval.default_threshold must be in [0,1], got %v", c.Retrieval.DefaultThreshold)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// TenantTokenMap returns the bearer token to tenant ID mapping.
func (a AuthConfig) TenantTokenMap() map[string]string {
	out := make(map[string]string, len(a.Tenants))
	for tenant, token := range a.Tenants {
		if token.IsSet() {
			out[token.Value()] = tenant
		}
	}
	return out
}

// parseTenantTokens parses "tenant:token,tenant2:token2".
func parseTenantTokens(raw string) (map[string]Secret, error) {
	out := make(map[string]Secret)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, token, ok := strings.Cut(pair, ":")
		if !ok || tenant == "" || token == "" {
			return nil, fmt.Errorf("malformed tenant token pair %q (want tenant:token)", pair)
		}
		out[tenant] = Secret(token)
	}
	return out, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) error {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	cfg.Environment = strings.ToLower(cfg.Environment)

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Auth.TenantTokens.IsSet() {
		extra, err := parseTenantTokens(cfg.Auth.TenantTokens.Value())
		if err != nil {
			return fmt.Errorf("auth.tenant_tokens: %w", err)
		}
		if cfg.Auth.Tenants == nil {
			cfg.Auth.Tenants = make(map[string]Secret, len(extra))
		}
		for tenant, token := range extra {
			cfg.Auth.Tenants[tenant] = token
		}
	}

	// MANUALRAG_AUTH_ADMIN_TENANTS arrives as one "a,b" string.
	var admins []string
	for _, entry := range cfg.Auth.AdminTenants {
		for _, admin := range strings.Split(entry, ",") {
			if admin = strings.TrimSpace(admin); admin != "" {
				admins = append(admins, admin)
			}
		}
	}
	cfg.Auth.AdminTenants = admins

	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "./data/uploads"
	}
	if cfg.Storage.Inbox == "" {
		cfg.Storage.Inbox = "inbox"
	}
	if cfg.Storage.MaxFileSize == 0 {
		cfg.Storage.MaxFileSize = 64 << 20 // 64 MiB
	}

	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1000
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 100
	}
	if cfg.Chunking.MinSize == 0 {
		cfg.Chunking.MinSize = 200
	}
	if cfg.Chunking.Tolerance == 0 {
		cfg.Chunking.Tolerance = 100
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 32
	}
	if cfg.Embeddings.MaxConcurrency == 0 {
		cfg.Embeddings.MaxConcurrency = 4
	}
	if cfg.Embeddings.MaxAttempts == 0 {
		cfg.Embeddings.MaxAttempts = 4
	}
	if cfg.Embeddings.InitialBackoff == 0 {
		cfg.Embeddings.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if cfg.Embeddings.MaxBackoff == 0 {
		cfg.Embeddings.MaxBackoff = Duration(5 * time.Second)
	}
	if cfg.Embeddings.RequestsPerSec == 0 {
		cfg.Embeddings.RequestsPerSec = 20
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = cfg.Embeddings.MaxConcurrency
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.SQLite.Path == "" {
		cfg.VectorStore.SQLite.Path = "./data/vectors.db"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.CollectionName == "" {
		cfg.VectorStore.Qdrant.CollectionName = "manual_chunks"
	}
	if cfg.VectorStore.Qdrant.MaxRetries == 0 {
		cfg.VectorStore.Qdrant.MaxRetries = 3
	}
	if cfg.VectorStore.Qdrant.RetryBackoff == 0 {
		cfg.VectorStore.Qdrant.RetryBackoff = Duration(100 * time.Millisecond)
	}

	if cfg.Documents.Path == "" {
		cfg.Documents.Path = "./data/documents.db"
	}

	if cfg.Ingestion.Dispatcher == "" {
		cfg.Ingestion.Dispatcher = "local"
	}
	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}
	if cfg.Ingestion.QueueSize == 0 {
		cfg.Ingestion.QueueSize = 128
	}
	if cfg.Ingestion.StaleAfter == 0 {
		cfg.Ingestion.StaleAfter = Duration(30 * time.Minute)
	}
	if cfg.Ingestion.Timeout == 0 {
		cfg.Ingestion.Timeout = Duration(15 * time.Minute)
	}
	if cfg.Ingestion.FailureThreshold == 0 {
		cfg.Ingestion.FailureThreshold = 0.5
	}

	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = Duration(2 * time.Second)
	}
	if cfg.Retrieval.LegacyTimeout == 0 {
		cfg.Retrieval.LegacyTimeout = Duration(2 * time.Second)
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 5
	}
	if cfg.Retrieval.LegacyCandidatePool == 0 {
		cfg.Retrieval.LegacyCandidatePool = 200
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "manualrag.ingest.jobs"
	}
	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = "manualrag-ingest"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "manualrag-ingest"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "manualrag"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	return nil
}
