package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/manualrag/internal/http"

// HTTPMetrics records API traffic. Instruments that fail to register are
// left nil and skipped.
type HTTPMetrics struct {
	requests       metric.Int64Counter
	duration       metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	authRejections metric.Int64Counter
}

// NewHTTPMetrics registers the API instruments on meter, or on the global
// meter provider when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn(context.Background(), "failed to create metric", zap.String("metric", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("manualrag.http.requests_total",
		metric.WithDescription("API requests by method, route and status class"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("manualrag.http.request_duration_seconds",
		metric.WithDescription("API request latency. Search is bounded by retrieval.timeout; synchronous ingest is not."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300))
	warn("request_duration_seconds", err)

	m.activeRequests, err = meter.Int64UpDownCounter("manualrag.http.active_requests",
		metric.WithDescription("API requests in flight"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.authRejections, err = meter.Int64Counter("manualrag.http.auth_rejections_total",
		metric.WithDescription("Requests rejected for a missing or unknown bearer token"),
		metric.WithUnit("{request}"))
	warn("auth_rejections_total", err)

	return m
}

// MetricsMiddleware records one data point per request, labeled with the
// route template so document IDs never become label values.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// recordAuthRejection counts a 401. reason is "missing" or "invalid".
func (m *HTTPMetrics) recordAuthRejection(ctx context.Context, reason string) {
	if m == nil || m.authRejections == nil {
		return
	}
	m.authRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// routeLabel maps unmatched requests to one label value.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
