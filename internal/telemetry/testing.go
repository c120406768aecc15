package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is an enabled Telemetry whose spans and metrics stay in
// memory. Its providers are not installed globally.
type TestTelemetry struct {
	*Telemetry
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	spans := tracetest.NewSpanRecorder()
	metrics := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(metrics)),
		},
		spans:   spans,
		metrics: metrics,
	}
}

// Spans returns the ended spans in end order.
func (t *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return t.spans.Ended()
}

func (t *TestTelemetry) span(name string) (sdktrace.ReadOnlySpan, []string) {
	var names []string
	for _, s := range t.Spans() {
		if s.Name() == name {
			return s, nil
		}
		names = append(names, s.Name())
	}
	return nil, names
}

func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if s, names := t.span(name); s == nil {
		tb.Errorf("span %q not ended; ended spans: %v", name, names)
	}
}

// AssertSpanAttribute compares against the attribute's Go value: string,
// int64, float64 or bool.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, want interface{}) {
	tb.Helper()
	s, _ := t.span(spanName)
	if s == nil {
		tb.Fatalf("span %q not ended", spanName)
	}
	set := attribute.NewSet(s.Attributes()...)
	v, ok := set.Value(attribute.Key(key))
	switch {
	case !ok:
		tb.Errorf("span %q has no attribute %q", spanName, key)
	case v.AsInterface() != want:
		tb.Errorf("span %q: %s = %v, want %v", spanName, key, v.AsInterface(), want)
	}
}

// Int64Sum adds up the data points of counter name whose attributes
// include every pair in match.
func (t *TestTelemetry) Int64Sum(tb testing.TB, name string, match ...attribute.KeyValue) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.metrics.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, match) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		if v, ok := set.Value(kv.Key); !ok || v != kv.Value {
			return false
		}
	}
	return true
}
