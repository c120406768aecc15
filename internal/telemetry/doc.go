// Package telemetry wires OpenTelemetry tracing and metrics export.
//
// Spans cover ingestion runs, embedding batches, vector queries and
// retrieval requests. Metrics exported through OTLP complement the
// Prometheus registry scraped at /metrics.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version, cfg.Environment))
//	defer tel.Shutdown(ctx)
//	tracer := tel.Tracer("manualrag.ingestion")
//
// Exporter failures degrade to no-op providers. Use NewTestTelemetry in
// tests to record spans and counters in memory.
package telemetry
