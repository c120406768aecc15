package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/manualrag/internal/config"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{
		Level:  "debug",
		Format: "console",
		Fields: map[string]string{"site": "plant-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, map[string]string{"service": "manualrag", "site": "plant-3"}, cfg.Fields)

	_, err = FromSettings(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)

	_, err = FromSettings(config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Output.Stdout = false
	assert.Error(t, cfg.Validate(), "no outputs")

	cfg = NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"("}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Fields = map[string]string{"service": ""}
	assert.Error(t, cfg.Validate())
}

func TestNewLogger_OTELWithoutProviderFails(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := tenant.WithTenant(context.Background(), "acme")
	ctx = WithDocumentID(ctx, "manual-42")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithRequestID(ctx, "req-9")

	tl.Info(ctx, "chunking complete", zap.Int("chunks", 20))

	tl.AssertLogged(t, zapcore.InfoLevel, "chunking complete")
	tl.AssertField(t, "chunking complete", "tenant.id", "acme")
	tl.AssertField(t, "chunking complete", "document.id", "manual-42")
	tl.AssertField(t, "chunking complete", "run.id", "run-1")
	tl.AssertField(t, "chunking complete", "request.id", "req-9")
	tl.AssertField(t, "chunking complete", "chunks", int64(20))
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl.Warn(ctx, "embedding retry")

	fields := tl.FilterMessage("embedding retry").All()[0].ContextMap()
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
	assert.Equal(t, true, fields["trace_sampled"])
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "boundary search")
	tl.AssertLogged(t, TraceLevel, "boundary search")

	nop := NewNop()
	assert.False(t, nop.Enabled(TraceLevel))
	nop.Trace(context.Background(), "dropped")
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Error(ctx, "stored", zap.Error(errors.New("boom")))
	tl.AssertLogged(t, zapcore.ErrorLevel, "stored")
}

func TestWrap(t *testing.T) {
	assert.NotNil(t, Wrap(nil).Underlying())
	z := zap.NewNop()
	assert.Same(t, z, Wrap(z).Underlying())
}

func encodeWithRedaction(t *testing.T, msg string, fields ...zap.Field) map[string]interface{} {
	t.Helper()
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: msg}, fields)
	require.NoError(t, err)
	defer buf.Free()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	return out
}

func TestRedactingEncoder(t *testing.T) {
	t.Run("sensitive keys", func(t *testing.T) {
		out := encodeWithRedaction(t, "auth", zap.String("token", "tok-abc"), zap.String("Authorization", "x"))
		assert.Equal(t, "[REDACTED]", out["token"])
		assert.Equal(t, "[REDACTED]", out["Authorization"])
	})

	t.Run("value patterns", func(t *testing.T) {
		out := encodeWithRedaction(t, "upstream", zap.String("header", "Bearer abc.def"))
		assert.NotContains(t, out["header"], "abc.def")
	})

	t.Run("message patterns", func(t *testing.T) {
		out := encodeWithRedaction(t, "openai rejected sk-abcdefghijklmnopqrstu")
		assert.NotContains(t, out["msg"], "sk-abcdefghijklmnopqrstu")
	})

	t.Run("errors are scrubbed", func(t *testing.T) {
		out := encodeWithRedaction(t, "failed", zap.Error(errors.New("api_key=hunter2 invalid")))
		assert.NotContains(t, out["error"], "hunter2")
	})

	t.Run("plain values pass", func(t *testing.T) {
		out := encodeWithRedaction(t, "ok", zap.String("document_id", "manual-42"))
		assert.Equal(t, "manual-42", out["document_id"])
	})

	t.Run("pattern too long", func(t *testing.T) {
		cfg := NewDefaultConfig().Redaction
		cfg.Patterns = []string{string(bytes.Repeat([]byte("a"), maxPatternLength+1))}
		_, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg)
		assert.Error(t, err)
	})
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "provider configured",
		Secret("api_key", config.Secret("sk-123")),
		RedactedString("token", "abcd"),
	)
	tl.AssertField(t, "provider configured", "token", "[REDACTED:4]")
	tl.AssertNoSecrets(t)
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	tl := NewTestLogger()
	cfg := SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(1e9),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 2, Thereafter: 0},
		},
	}
	logger := zap.New(newSampledCore(tl.Underlying().Core(), cfg))

	for i := 0; i < 10; i++ {
		logger.Info("page stored")
		logger.Error("embed failed")
		logger.Warn("retrying")
	}

	assert.Equal(t, 2, tl.FilterMessage("page stored").Len())
	assert.Equal(t, 10, tl.FilterMessage("embed failed").Len())
	assert.Equal(t, 10, tl.FilterMessage("retrying").Len(), "unconfigured levels pass through")
}
