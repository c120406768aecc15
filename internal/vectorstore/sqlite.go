package vectorstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

const sqliteBackend = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS document_generations (
	tenant_id   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	generation  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, document_id)
);
CREATE TABLE IF NOT EXISTS chunks (
	tenant_id   TEXT NOT NULL,
	document_id TEXT NOT NULL,
	chunk_id    TEXT NOT NULL,
	ordinal     INTEGER NOT NULL,
	text        TEXT NOT NULL,
	page        INTEGER NOT NULL,
	page_end    INTEGER NOT NULL,
	section     TEXT NOT NULL DEFAULT '',
	start_off   INTEGER NOT NULL,
	end_off     INTEGER NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	vector      BLOB NOT NULL,
	PRIMARY KEY (tenant_id, document_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks (tenant_id);
`

var (
	registerOnce sync.Once
	registerErr  error
)

// registerVectorFunctions makes vec_cosine available on connections opened
// afterwards. The modernc driver registers functions process-wide.
func registerVectorFunctions() error {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterDeterministicScalarFunction("vec_cosine", 2, vecCosine)
	})
	return registerErr
}

// vecCosine is the SQL function vec_cosine(a BLOB, b BLOB) returning the
// clamped similarity of two encoded vectors.
func vecCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_cosine: expected 2 arguments, got %d", len(args))
	}
	a, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("vec_cosine: unsupported argument type %T; want BLOB", args[0])
	}
	b, ok := args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("vec_cosine: unsupported argument type %T; want BLOB", args[1])
	}
	va, err := decodeVector(a)
	if err != nil {
		return nil, err
	}
	vb, err := decodeVector(b)
	if err != nil {
		return nil, err
	}
	if len(va) != len(vb) {
		return nil, fmt.Errorf("vec_cosine: %w: %d vs %d", ErrDimensionMismatch, len(va), len(vb))
	}
	return Similarity(Cosine(va, vb)), nil
}

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vec: invalid blob length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path      string
	Dimension int
}

// Validate validates the configuration.
func (c SQLiteConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: sqlite path is required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// SQLiteStore implements Store on a single SQLite file. Replace runs in one
// immediate transaction, so readers never observe a partial chunk set.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	logger *logging.Logger
	locks  *documentLocks
}

// NewSQLiteStore opens or creates the database at cfg.Path. Opening a file
// created with a different dimension fails with ErrDimensionMismatch.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, logger *logging.Logger) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := registerVectorFunctions(); err != nil {
		return nil, fmt.Errorf("registering vector functions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{db: db, config: cfg, logger: logger, locks: newDocumentLocks()}
	if err := s.checkDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info(ctx, "sqlite vector store initialized",
		zap.String("path", cfg.Path),
		zap.Int("dimension", cfg.Dimension))
	return s, nil
}

// checkDimension records the dimension on first open and enforces it later.
func (s *SQLiteStore) checkDimension(ctx context.Context) error {
	want := strconv.Itoa(s.config.Dimension)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES ('dimension', ?) ON CONFLICT(key) DO NOTHING`, want); err != nil {
		return fmt.Errorf("recording dimension: %w", err)
	}
	var got string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'dimension'`).Scan(&got); err != nil {
		return fmt.Errorf("reading dimension: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: database has dimension %s, configured %s", ErrDimensionMismatch, got, want)
	}
	return nil
}

// Replace implements Store.
func (s *SQLiteStore) Replace(ctx context.Context, tenantID tenant.ID, documentID string, generation int64, records []Record) (err error) {
	ctx, obs := observe(ctx, sqliteBackend, "replace", tenantID,
		attribute.String("document.id", documentID),
		attribute.Int64("generation", generation),
		attribute.Int("records", len(records)))
	defer obs.end(&err)

	if err := validateReplace(s.config.Dimension, tenantID, documentID, generation, records); err != nil {
		return err
	}

	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT generation FROM document_generations WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading generation: %w", err)
	}
	if generation < current {
		return fmt.Errorf("%w: document %s has generation %d, got %d", ErrStaleGeneration, documentID, current, generation)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_generations (tenant_id, document_id, generation) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, document_id) DO UPDATE SET generation = excluded.generation`,
		string(tenantID), documentID, generation); err != nil {
		return fmt.Errorf("recording generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (tenant_id, document_id, chunk_id, ordinal, text, page, page_end,
				section, start_off, end_off, model, vector)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, string(tenantID), documentID, r.ChunkID, r.Ordinal, r.Text,
				r.Page, r.PageEnd, r.Section, r.Start, r.End, r.Model, encodeVector(r.Vector)); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", r.ChunkID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	ChunksWritten.WithLabelValues(sqliteBackend).Add(float64(len(records)))
	s.logger.Debug(ctx, "replaced document chunks",
		zap.String("document_id", documentID),
		zap.Int64("generation", generation),
		zap.Int("chunks", len(records)))
	return nil
}

// Query implements Store. Similarity is computed in SQL by vec_cosine.
func (s *SQLiteStore) Query(ctx context.Context, tenantID tenant.ID, q Query) (results []SearchResult, err error) {
	ctx, obs := observe(ctx, sqliteBackend, "query", tenantID,
		attribute.Int("top_k", q.TopK),
		attribute.Float64("threshold", q.Threshold))
	defer obs.end(&err)

	q, err = normalizeQuery(s.config.Dimension, tenantID, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, ordinal, page, section, text, sim FROM (
			SELECT chunk_id, document_id, ordinal, page, section, text,
				vec_cosine(vector, ?) AS sim
			FROM chunks
			WHERE tenant_id = ?
		)
		WHERE sim >= ?
		ORDER BY sim DESC, ordinal ASC, chunk_id ASC
		LIMIT ?`,
		encodeVector(q.Vector), string(tenantID), q.Threshold, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	results = []SearchResult{}
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Ordinal, &r.Page, &r.Section, &r.Text, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return results, nil
}

// DeleteDocument implements Store.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, tenantID tenant.ID, documentID string) (err error) {
	ctx, obs := observe(ctx, sqliteBackend, "delete_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return err
	}
	unlock := s.locks.lock(tenantID, documentID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// CountDocument implements Store.
func (s *SQLiteStore) CountDocument(ctx context.Context, tenantID tenant.ID, documentID string) (n int, err error) {
	ctx, obs := observe(ctx, sqliteBackend, "count_document", tenantID,
		attribute.String("document.id", documentID))
	defer obs.end(&err)

	if err := validateDocumentScope(tenantID, documentID); err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// Dimension implements Store.
func (s *SQLiteStore) Dimension() int {
	return s.config.Dimension
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
