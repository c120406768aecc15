// Package featuregate resolves the vector_search and chunking capability
// flags.
//
// Values come from environment configuration at startup. A per-tenant
// override table, loaded once from TOML, takes precedence. Outside
// production the flags can also be toggled at runtime; in production every
// toggle is rejected with ErrReadOnly. Every toggle attempt is audited.
package featuregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// Flag names a capability.
type Flag string

const (
	FlagVectorSearch Flag = "vector_search"
	FlagChunking     Flag = "chunking"
)

// Flags lists every known flag.
var Flags = []Flag{FlagChunking, FlagVectorSearch}

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool {
	return f == FlagVectorSearch || f == FlagChunking
}

// ParseFlag returns the flag named s.
func ParseFlag(s string) (Flag, error) {
	f := Flag(s)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlag, s)
	}
	return f, nil
}

// Environment classes.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

var (
	// ErrReadOnly is returned by Toggle in production.
	ErrReadOnly = errors.New("feature flags are read-only in production")

	// ErrUnknownFlag is returned for a flag name that does not exist.
	ErrUnknownFlag = errors.New("unknown feature flag")

	// ErrInvalidEnvironment is returned by New for an unknown environment.
	ErrInvalidEnvironment = errors.New("invalid environment")
)

// maxAuditEntries bounds the in-memory audit trail.
const maxAuditEntries = 256

// Config is the startup state of the gate.
type Config struct {
	Environment  string
	VectorSearch bool
	Chunking     bool
	Overrides    Overrides
}

// AuditEntry records one toggle attempt.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Flag     string    `json:"flag"`
	Value    bool      `json:"value"`
	Actor    string    `json:"actor"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
}

// Snapshot is the resolved flag state for one caller.
type Snapshot struct {
	Environment string          `json:"environment"`
	ReadOnly    bool            `json:"read_only"`
	Flags       map[string]bool `json:"flags"`
	// Sources tells where each value came from: environment, runtime or
	// override.
	Sources map[string]string `json:"sources"`
}

// Gate resolves flags. It is safe for concurrent use.
type Gate struct {
	env       string
	base      map[Flag]bool
	overrides Overrides
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.RWMutex
	runtime map[Flag]bool
	audit   []AuditEntry
}

// New builds a gate from startup configuration.
func New(cfg Config, logger *logging.Logger) (*Gate, error) {
	switch cfg.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, cfg.Environment)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &Gate{
		env: cfg.Environment,
		base: map[Flag]bool{
			FlagVectorSearch: cfg.VectorSearch,
			FlagChunking:     cfg.Chunking,
		},
		overrides: cfg.Overrides,
		logger:    logger.Named("featuregate"),
		now:       time.Now,
		runtime:   make(map[Flag]bool),
	}
	for _, f := range Flags {
		FlagState.WithLabelValues(string(f)).Set(boolGauge(g.base[f]))
	}
	g.logger.Info(context.Background(), "feature gate initialized",
		zap.String("environment", g.env),
		zap.Bool("vector_search", cfg.VectorSearch),
		zap.Bool("chunking", cfg.Chunking),
		zap.Strings("override_tenants", sortedTenants(cfg.Overrides)))
	return g, nil
}

// ReadOnly reports whether runtime toggles are rejected.
func (g *Gate) ReadOnly() bool {
	return g.env == EnvProduction
}

// Environment returns the environment class.
func (g *Gate) Environment() string {
	return g.env
}

// Enabled resolves flag for the tenant in ctx, if any. Unknown flags are
// disabled.
func (g *Gate) Enabled(ctx context.Context, flag Flag) bool {
	v, _ := g.resolve(ctx, flag)
	return v
}

// VectorSearchEnabled reports whether queries may use the vector store.
func (g *Gate) VectorSearchEnabled(ctx context.Context) bool {
	return g.Enabled(ctx, FlagVectorSearch)
}

// ChunkingEnabled reports whether ingestion chunks and embeds documents.
func (g *Gate) ChunkingEnabled(ctx context.Context) bool {
	return g.Enabled(ctx, FlagChunking)
}

func (g *Gate) resolve(ctx context.Context, flag Flag) (bool, string) {
	if !flag.Valid() {
		return false, ""
	}
	if id, err := tenant.FromContext(ctx); err == nil {
		if v, ok := g.overrides.lookup(id, flag); ok {
			return v, "override"
		}
	}
	g.mu.RLock()
	v, ok := g.runtime[flag]
	g.mu.RUnlock()
	if ok {
		return v, "runtime"
	}
	return g.base[flag], "environment"
}

// Toggle sets flag at runtime for subsequent requests. It fails with
// ErrReadOnly in production and ErrUnknownFlag for unknown names. Tenant
// overrides still win over a toggled value.
func (g *Gate) Toggle(ctx context.Context, flag Flag, value bool, actor string) error {
	entry := AuditEntry{Time: g.now().UTC(), Flag: string(flag), Value: value, Actor: actor}

	var err error
	switch {
	case !flag.Valid():
		err = fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	case g.ReadOnly():
		err = fmt.Errorf("%w: cannot set %s", ErrReadOnly, flag)
	}

	g.mu.Lock()
	if err == nil {
		g.runtime[flag] = value
		entry.Accepted = true
	} else {
		entry.Reason = err.Error()
	}
	g.audit = append(g.audit, entry)
	if len(g.audit) > maxAuditEntries {
		g.audit = append([]AuditEntry(nil), g.audit[len(g.audit)-maxAuditEntries:]...)
	}
	g.mu.Unlock()

	fields := []zap.Field{
		zap.String("flag", string(flag)),
		zap.Bool("value", value),
		zap.String("actor", actor),
		zap.String("environment", g.env),
	}
	if err != nil {
		ToggleAttempts.WithLabelValues(toggleLabel(flag), "rejected").Inc()
		g.logger.Warn(ctx, "feature toggle rejected", append(fields, zap.Error(err))...)
		return err
	}
	ToggleAttempts.WithLabelValues(toggleLabel(flag), "accepted").Inc()
	FlagState.WithLabelValues(string(flag)).Set(boolGauge(value))
	g.logger.Info(ctx, "feature toggled", fields...)
	return nil
}

// Snapshot resolves every flag for the tenant in ctx.
func (g *Gate) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Environment: g.env,
		ReadOnly:    g.ReadOnly(),
		Flags:       make(map[string]bool, len(Flags)),
		Sources:     make(map[string]string, len(Flags)),
	}
	for _, f := range Flags {
		v, src := g.resolve(ctx, f)
		s.Flags[string(f)] = v
		s.Sources[string(f)] = src
	}
	return s
}

// AuditTrail returns the recorded toggle attempts, oldest first.
func (g *Gate) AuditTrail() []AuditEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]AuditEntry(nil), g.audit...)
}

// toggleLabel keeps metric cardinality bounded for junk flag names.
func toggleLabel(f Flag) string {
	if f.Valid() {
		return string(f)
	}
	return "unknown"
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func sortedTenants(o Overrides) []string {
	out := make([]string, 0, len(o))
	for id := range o {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
