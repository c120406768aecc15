package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/chunking"
	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/embeddings"
	"github.com/fyrsmithlabs/manualrag/internal/extraction"
	"github.com/fyrsmithlabs/manualrag/internal/featuregate"
	"github.com/fyrsmithlabs/manualrag/internal/ingestion"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/retrieval"
	"github.com/fyrsmithlabs/manualrag/internal/telemetry"
	"github.com/fyrsmithlabs/manualrag/internal/vectorstore"
)

// app holds the components shared by every command.
type app struct {
	cfg          *config.Config
	logger       *logging.Logger
	telemetry    *telemetry.Telemetry
	nc           *nats.Conn
	repo         *documents.SQLiteRepository
	provider     embeddings.Provider
	gateway      *embeddings.Gateway
	store        vectorstore.Store
	gate         *featuregate.Gate
	orchestrator *ingestion.Orchestrator
	retrieval    *retrieval.Service
}

// newApp loads configuration and builds the ingestion and retrieval
// pipelines. Close releases everything it opened, also on error paths.
func newApp(ctx context.Context, path string) (_ *app, err error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version, cfg.Environment))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	a.logger, err = logging.NewLogger(logCfg, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.logger = a.logger.With(zap.String("environment", cfg.Environment))
	if err := a.telemetry.Degraded(); err != nil {
		a.logger.Warn(ctx, "telemetry export degraded; continuing without it", zap.Error(err))
	}

	overrides, err := featuregate.LoadOverrides(cfg.Features.OverridesFile)
	if err != nil {
		return nil, err
	}
	a.gate, err = featuregate.New(featuregate.Config{
		Environment:  cfg.Environment,
		VectorSearch: cfg.Features.VectorSearch,
		Chunking:     cfg.Features.Chunking,
		Overrides:    overrides,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	a.provider, err = embeddings.NewProvider(embeddings.ProviderConfigFromSettings(cfg.Embeddings))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	a.gateway, err = embeddings.NewGateway(a.provider, embeddings.GatewayConfigFromSettings(cfg.Embeddings),
		embeddings.WithLogger(a.logger.Named("embeddings")),
		embeddings.WithTracer(a.telemetry.Tracer(embeddingsScope)),
		embeddings.WithMetrics(embeddings.NewMetrics(a.telemetry.Meter(embeddingsScope), a.logger.Underlying())),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding gateway: %w", err)
	}

	a.store, err = vectorstore.NewStore(ctx, cfg.VectorStore, a.gateway.Dimension(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	a.repo, err = documents.NewSQLiteRepository(ctx, cfg.Documents.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening document repository: %w", err)
	}

	chunker, err := chunking.New(chunking.FromSettings(cfg.Chunking))
	if err != nil {
		return nil, fmt.Errorf("chunking config: %w", err)
	}

	var notifier ingestion.Notifier
	if cfg.Ingestion.Dispatcher == "nats" {
		a.nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("manualragd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
		notifier = ingestion.NewNATSNotifier(a.nc, ingestion.DefaultEventSubject)
	}

	a.orchestrator, err = ingestion.New(ingestion.Deps{
		Documents: a.repo,
		Extractor: extraction.NewFileExtractor(cfg.Storage.Root, cfg.Storage.MaxFileSize.Int64(),
			extraction.WithInbox(cfg.Storage.Inbox)),
		Chunker:   chunker,
		Embedder:  a.gateway,
		Store:     a.store,
		Gate:      a.gate,
		Notifier:  notifier,
		Logger:    a.logger,
	}, ingestion.ConfigFromSettings(cfg.Ingestion))
	if err != nil {
		return nil, err
	}

	a.retrieval, err = retrieval.NewService(
		a.gateway,
		a.store,
		retrieval.NewLegacyRetriever(a.repo, cfg.Retrieval.LegacyCandidatePool),
		a.gate,
		retrieval.ConfigFromSettings(cfg.Retrieval),
		a.logger,
	)
	if err != nil {
		return nil, err
	}

	a.logger.Info(ctx, "manualrag initialized",
		zap.String("embeddings_provider", cfg.Embeddings.Provider),
		zap.String("embeddings_model", a.gateway.Model()),
		zap.Int("dimension", a.gateway.Dimension()),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("dispatcher", cfg.Ingestion.Dispatcher))
	return a, nil
}

// embeddingsScope is the instrumentation scope of the embedding gateway.
const embeddingsScope = "github.com/fyrsmithlabs/manualrag/internal/embeddings"

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("draining nats: %w", err))
		}
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
	return errors.Join(errs...)
}
