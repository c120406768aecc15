package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/qdrant"
)

// NewStore creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded, in memory unless chromem.path is set
//   - "sqlite": single-file durable store
//   - "qdrant": external Qdrant server over gRPC
//
// dimension is the embedding dimension every record and query must match.
//
//	store, err := vectorstore.NewStore(ctx, cfg.VectorStore, gateway.Dimension(), logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, dimension int, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("vectorstore")

	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:      cfg.Chromem.Path,
			Compress:  cfg.Chromem.Compress,
			Dimension: dimension,
		}, logger)

	case "sqlite":
		return NewSQLiteStore(ctx, SQLiteConfig{
			Path:      cfg.SQLite.Path,
			Dimension: dimension,
		}, logger)

	case "qdrant":
		client, err := qdrant.NewGRPCClient(&qdrant.ClientConfig{
			Host:          cfg.Qdrant.Host,
			Port:          cfg.Qdrant.Port,
			UseTLS:        cfg.Qdrant.UseTLS,
			APIKey:        cfg.Qdrant.APIKey.Value(),
			RetryAttempts: cfg.Qdrant.MaxRetries,
			RetryBackoff:  cfg.Qdrant.RetryBackoff.Duration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		store, err := NewQdrantStore(ctx, client, QdrantConfig{
			Collection: cfg.Qdrant.CollectionName,
			Dimension:  dimension,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, sqlite, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
