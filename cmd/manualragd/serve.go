package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/manualrag/internal/http"
	"github.com/fyrsmithlabs/manualrag/internal/ingestion"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and ingestion workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

// serve runs until ctx is canceled, then shuts components down in
// reverse order: intake first, in-flight work last.
func serve(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	cfg := a.cfg
	logger := a.logger

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	}
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		if err := a.Close(sctx); err != nil {
			logger.Warn(sctx, "shutdown completed with errors", zap.Error(err))
		}
	}()

	// The local pool executes jobs for every transport.
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()
	pool := ingestion.NewLocalDispatcher(a.orchestrator, cfg.Ingestion.Workers, cfg.Ingestion.QueueSize, logger)
	pool.Start(runCtx)
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		if err := pool.Close(sctx); err != nil {
			logger.Warn(sctx, "ingestion workers did not drain in time", zap.Error(err))
		}
	}()

	var dispatcher ingestion.Dispatcher
	switch cfg.Ingestion.Dispatcher {
	case "local":
		dispatcher = pool

	case "nats":
		natsWorker, err := ingestion.NewNATSWorker(a.nc, cfg.NATS.Subject, cfg.NATS.QueueGroup, pool, logger)
		if err != nil {
			return err
		}
		if err := natsWorker.Start(runCtx); err != nil {
			return err
		}
		defer func() { _ = natsWorker.Stop() }()
		dispatcher, err = ingestion.NewNATSDispatcher(a.nc, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}

	case "temporal":
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("unable to create Temporal client: %w", err)
		}
		defer c.Close()
		logger.Info(ctx, "temporal client connected", zap.String("host", cfg.Temporal.HostPort))

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Ingestion.Workers,
		})
		ingestion.RegisterWorker(w, a.orchestrator)
		if err := w.Start(); err != nil {
			return fmt.Errorf("starting temporal worker: %w", err)
		}
		defer w.Stop()
		dispatcher, err = ingestion.NewTemporalDispatcher(c, cfg.Temporal.TaskQueue, ingestion.WorkflowOptions{
			RunTimeout: cfg.Ingestion.Timeout.Duration(),
		}, logger)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown ingestion dispatcher %q", cfg.Ingestion.Dispatcher)
	}

	if cfg.Ingestion.WatchInbox {
		watcher, err := ingestion.NewWatcher(ingestion.WatcherConfig{
			Root:  cfg.Storage.Root,
			Inbox: cfg.Storage.Inbox,
		}, dispatcher, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(runCtx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	srv, err := httpserver.NewServer(httpserver.Deps{
		Ingester:   a.orchestrator,
		Dispatcher: dispatcher,
		Documents:  a.repo,
		Searcher:   a.retrieval,
		Features:   a.gate,
	}, logger, &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Tokens:       cfg.Auth.TenantTokenMap(),
		AdminTenants: cfg.Auth.AdminTenants,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	if len(cfg.Auth.Tenants) == 0 {
		logger.Warn(ctx, "no tenant tokens configured; every API request will be rejected")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	sctx, cancel := shutdownCtx()
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info(sctx, "server shutdown complete")
	return nil
}
