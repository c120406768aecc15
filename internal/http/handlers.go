package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/featuregate"
	"github.com/fyrsmithlabs/manualrag/internal/ingestion"
	"github.com/fyrsmithlabs/manualrag/internal/retrieval"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// handleIngest runs or queues one document for the caller's tenant.
func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid ingest request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	ir := ingestion.Request{DocumentID: req.DocumentID, StoragePath: req.StoragePath}
	if err := ir.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.Async {
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		err := s.deps.Dispatcher.Dispatch(ctx, ingestion.Job{
			TenantID:    callerTenant(c),
			DocumentID:  req.DocumentID,
			StoragePath: req.StoragePath,
			RequestID:   requestID,
			EnqueuedAt:  time.Now().UTC(),
		})
		if err != nil {
			return s.ingestError(ctx, err)
		}
		return c.JSON(http.StatusAccepted, IngestAccepted{
			DocumentID: req.DocumentID,
			Status:     "queued",
			RequestID:  requestID,
		})
	}

	res, err := s.deps.Ingester.Ingest(ctx, ir)
	if err != nil && !(errors.Is(err, ingestion.ErrIngestionFailed) && res != nil) {
		return s.ingestError(ctx, err)
	}
	// A failed document is a completed request; the status says so.
	return c.JSON(http.StatusOK, res)
}

func (s *Server) ingestError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ingestion.ErrInvalidRequest),
		errors.Is(err, tenant.ErrInvalidTenant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, documents.ErrAlreadyProcessing),
		errors.Is(err, ingestion.ErrAlreadyQueued),
		errors.Is(err, ingestion.ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ingestion.ErrQueueFull),
		errors.Is(err, ingestion.ErrDispatcherClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(ctx, "ingest request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
	}
}

func (s *Server) handleGetDocument(c echo.Context) error {
	ctx := c.Request().Context()
	doc, err := s.deps.Documents.Get(ctx, callerTenant(c), c.Param("id"))
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case err != nil:
		s.logger.Error(ctx, "document lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "document lookup failed")
	}
	return c.JSON(http.StatusOK, doc)
}

// handleListDocuments lists the caller's documents, optionally filtered by
// ?status=.
func (s *Server) handleListDocuments(c echo.Context) error {
	ctx := c.Request().Context()
	status := documents.Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status filter")
	}
	docs, err := s.deps.Documents.List(ctx, callerTenant(c), status)
	if err != nil {
		s.logger.Error(ctx, "document listing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "document listing failed")
	}
	if docs == nil {
		docs = []*documents.Document{}
	}
	return c.JSON(http.StatusOK, DocumentList{Documents: docs, Counts: CountByStatus(docs)})
}

// handleSearch answers a question for the caller's tenant. An empty
// tenant_id means the caller's own tenant; any other tenant is forbidden.
func (s *Server) handleSearch(c echo.Context) error {
	var req retrieval.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	caller := callerTenant(c)
	if req.TenantID == "" {
		req.TenantID = caller
	}
	if req.TenantID != caller {
		return echo.NewHTTPError(http.StatusForbidden, "tenant_id does not match credentials")
	}

	ctx := c.Request().Context()
	resp, err := s.deps.Searcher.Search(ctx, req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, retrieval.ErrInvalidRequest),
		errors.Is(err, retrieval.ErrQueryTextRequired),
		errors.Is(err, tenant.ErrInvalidTenant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "search timed out")
	default:
		s.logger.Error(ctx, "search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
}

func (s *Server) handleGetFeatures(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Features.Snapshot(c.Request().Context()))
}

// handleSetFeature toggles a flag at runtime. Flags are process-wide, so
// only admin tenants may change them. Production gates are read-only.
func (s *Server) handleSetFeature(c echo.Context) error {
	caller := callerTenant(c)
	if !s.isAdmin(caller) {
		s.logger.Warn(c.Request().Context(), "feature toggle by non-admin tenant rejected",
			zap.String("flag", c.Param("name")))
		return echo.NewHTTPError(http.StatusForbidden, "feature toggles require an admin tenant")
	}
	var body FeatureToggle
	if err := c.Bind(&body); err != nil || body.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be {\"enabled\": true|false}")
	}
	ctx := c.Request().Context()
	actor := "tenant:" + string(caller)
	err := s.deps.Features.Toggle(ctx, featuregate.Flag(c.Param("name")), *body.Enabled, actor)
	switch {
	case errors.Is(err, featuregate.ErrUnknownFlag):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, featuregate.ErrReadOnly):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "toggle failed")
	}
	return c.JSON(http.StatusOK, s.deps.Features.Snapshot(ctx))
}
