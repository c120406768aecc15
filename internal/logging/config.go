package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/manualrag/internal/config"
)

// Config controls logger construction. Build one with FromSettings or
// NewDefaultConfig.
type Config struct {
	Level  zapcore.Level
	Format string // json or console
	Output OutputConfig
	// Sampling is applied per level; Error and above are never sampled.
	Sampling SamplingConfig
	// CallerSkip is added to zap's caller skip; negative disables caller.
	CallerSkip      int
	StacktraceLevel zapcore.Level
	// Fields are attached to every entry.
	Fields    map[string]string
	Redaction RedactionConfig
}

type OutputConfig struct {
	Stdout bool
	OTEL   bool
}

type SamplingConfig struct {
	Enabled bool
	Tick    config.Duration
	Levels  map[zapcore.Level]LevelSamplingConfig
}

// LevelSamplingConfig keeps the first Initial entries with the same
// message per tick, then every Thereafter-th. Thereafter 0 drops the rest.
type LevelSamplingConfig struct {
	Initial    int
	Thereafter int
}

// RedactionConfig lists field keys whose values are masked and patterns
// scrubbed from string values.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns the production defaults: JSON to stdout,
// sampled info and debug, bearer tokens and API keys redacted.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSamplingConfig(),
		},
		CallerSkip:      1,
		StacktraceLevel: zapcore.ErrorLevel,
		Fields:          map[string]string{"service": "manualrag"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"token", "tenant_tokens", "api_key", "authorization",
				"bearer", "password", "secret", "credential",
			},
			Patterns: DefaultRedactionPatterns(),
		},
	}
}

// FromSettings builds a Config from the service configuration section.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		level, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = level
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.OTEL = s.OTEL
	for k, v := range s.Fields {
		cfg.Fields[k] = v
	}
	return cfg, cfg.Validate()
}

// DefaultLevelSamplingConfig samples per-chunk chatter hard and leaves
// warnings mostly intact.
func DefaultLevelSamplingConfig() map[zapcore.Level]LevelSamplingConfig {
	return map[zapcore.Level]LevelSamplingConfig{
		TraceLevel:         {Initial: 1, Thereafter: 0},
		zapcore.DebugLevel: {Initial: 10, Thereafter: 0},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
	}
}

func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > maxPatternLength {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLength, pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static log field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
