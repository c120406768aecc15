// Package http provides the manualrag HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/featuregate"
	"github.com/fyrsmithlabs/manualrag/internal/ingestion"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/retrieval"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// Ingester runs a document through the pipeline synchronously.
// *ingestion.Orchestrator implements it.
type Ingester interface {
	Ingest(ctx context.Context, req ingestion.Request) (*ingestion.Result, error)
}

// DocumentReader reads document status records.
type DocumentReader interface {
	Get(ctx context.Context, tenantID tenant.ID, id string) (*documents.Document, error)
	List(ctx context.Context, tenantID tenant.ID, status documents.Status) ([]*documents.Document, error)
}

// Searcher answers search requests. *retrieval.Service implements it.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// FeatureGate exposes flag state and runtime toggles.
// *featuregate.Gate implements it.
type FeatureGate interface {
	Snapshot(ctx context.Context) featuregate.Snapshot
	Toggle(ctx context.Context, flag featuregate.Flag, value bool, actor string) error
}

// Deps are the services behind the API.
type Deps struct {
	Ingester   Ingester
	Dispatcher ingestion.Dispatcher
	Documents  DocumentReader
	Searcher   Searcher
	Features   FeatureGate
}

// Server provides HTTP endpoints for manualrag.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Tokens maps bearer tokens to tenant IDs.
	Tokens map[string]string
	// AdminTenants may change feature flags. Everyone else gets 403.
	AdminTenants []string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	switch {
	case deps.Ingester == nil:
		return nil, errors.New("ingester cannot be nil")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher cannot be nil")
	case deps.Documents == nil:
		return nil, errors.New("document reader cannot be nil")
	case deps.Searcher == nil:
		return nil, errors.New("searcher cannot be nil")
	case deps.Features == nil:
		return nil, errors.New("feature gate cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics(nil, logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Resolve the status before logging it.
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.authMiddleware())
	v1.POST("/documents/ingest", s.handleIngest)
	v1.GET("/documents", s.handleListDocuments)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.POST("/search", s.handleSearch)
	v1.GET("/features", s.handleGetFeatures)
	v1.PUT("/features/:name", s.handleSetFeature)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
