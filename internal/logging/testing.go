package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger captures entries in memory so other packages' tests can
// assert on what the pipeline logged.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry down to TraceLevel. Nothing is
// sampled or redacted; AssertNoSecrets checks what would have leaked.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops everything captured so far.
func (t *TestLogger) Reset() { t.observed.TakeAll() }

func (t *TestLogger) find(level zapcore.Level, substr string) (observer.LoggedEntry, bool) {
	for _, e := range t.observed.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return observer.LoggedEntry{}, false
}

// AssertLogged fails unless some entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if _, ok := t.find(level, substr); ok {
		return
	}
	msgs := make([]string, 0, t.observed.Len())
	for _, e := range t.observed.All() {
		msgs = append(msgs, e.Level.String()+": "+e.Message)
	}
	tb.Errorf("no %v entry containing %q; captured %q", level, substr, msgs)
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if e, ok := t.find(level, substr); ok {
		tb.Errorf("unexpected %v entry %q", level, e.Message)
	}
}

// AssertField fails unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	var seen []interface{}
	for _, e := range t.observed.FilterMessage(msg).All() {
		v, ok := e.ContextMap()[key]
		if ok && v == want {
			return
		}
		if ok {
			seen = append(seen, v)
		}
	}
	tb.Errorf("%q: field %s=%v not found (saw %v)", msg, key, want, seen)
}

// AssertNoSecrets fails if the default redaction rules would have masked
// anything in a captured message or string field.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), NewDefaultConfig().Redaction)
	if err != nil {
		tb.Fatalf("default redaction config: %v", err)
	}
	for _, e := range t.observed.All() {
		if enc.scrub(e.Message) != e.Message {
			tb.Errorf("credential in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || f.String == "" || strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			if enc.sensitiveKey(f.Key) || enc.scrub(f.String) != f.String {
				tb.Errorf("%q: field %s carries an unredacted secret", e.Message, f.Key)
			}
		}
	}
}
