// Package logging provides structured logging on zap with OpenTelemetry
// correlation.
//
// Logger methods take a context and prepend correlation fields found in it:
// otel trace and span IDs, the tenant, the document and ingestion run being
// processed, and the HTTP request ID.
//
//	ctx = tenant.WithTenant(ctx, "acme")
//	ctx = logging.WithDocumentID(ctx, "manual-42")
//	logger.Info(ctx, "chunking complete", zap.Int("chunks", n))
//
// Output:
//
//	{"level":"info","msg":"chunking complete","tenant.id":"acme","document.id":"manual-42","chunks":20}
//
// Secrets are redacted by field name and value pattern in the encoder; use
// Secret and RedactedString for explicit redaction. Sampling never drops
// errors. TestLogger records entries for assertions in tests.
package logging
