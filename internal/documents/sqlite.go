package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/manualrag/internal/documents/migrations"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

const documentColumns = `id, tenant_id, storage_path, status, page_count, file_size, chunk_count,
	failed_chunks, content_hash, error_message, run_id, generation,
	created_at, updated_at, started_at, processed_at`

// SQLiteRepository implements Repository on a SQLite file.
type SQLiteRepository struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
	now    func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens or creates the database at path and applies
// pending migrations.
func NewSQLiteRepository(ctx context.Context, path string, logger *logging.Logger) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("documents: database path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	r := &SQLiteRepository{db: db, path: path, logger: logger, now: time.Now}
	if err := r.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info(ctx, "document repository opened", zap.String("path", path))
	return r, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// migrate applies every NNN_name.up.sql newer than the recorded version.
func (r *SQLiteRepository) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := r.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version)
			return err
		}); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		r.logger.Debug(ctx, "applied migration", zap.String("migration", name))
	}
	return nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func validateScope(tenantID tenant.ID, id string) error {
	if err := tenantID.Validate(); err != nil {
		return err
	}
	return sanitize.ValidateDocumentID(id)
}

// Ensure returns the document, creating it as pending when absent. Document
// IDs are scoped to the tenant; two tenants may use the same ID.
func (r *SQLiteRepository) Ensure(ctx context.Context, tenantID tenant.ID, id, storagePath string) (*Document, error) {
	if err := validateScope(tenantID, id); err != nil {
		return nil, err
	}
	now := r.now().UnixNano()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, storage_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`, id, string(tenantID), storagePath, string(StatusPending), now, now); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	doc, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if doc.StoragePath != storagePath && doc.Status != StatusProcessing {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE documents SET storage_path = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status != ?`,
			storagePath, now, string(tenantID), id, string(StatusProcessing)); err != nil {
			return nil, fmt.Errorf("updating storage path: %w", err)
		}
		return r.Get(ctx, tenantID, id)
	}
	return doc, nil
}

// Get returns one document of the tenant.
func (r *SQLiteRepository) Get(ctx context.Context, tenantID tenant.ID, id string) (*Document, error) {
	if err := validateScope(tenantID, id); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND id = ?`,
		string(tenantID), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return doc, nil
}

// List returns the tenant's documents, oldest first. An empty status lists
// all of them.
func (r *SQLiteRepository) List(ctx context.Context, tenantID tenant.ID, status Status) ([]*Document, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = ?`
	args := []interface{}{string(tenantID)}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// BeginRun moves the document into processing for runID. It succeeds when
// the document is not processing, or when the current run started more
// than staleAfter ago. A zero staleAfter never takes over a live run.
func (r *SQLiteRepository) BeginRun(ctx context.Context, tenantID tenant.ID, id, runID string, staleAfter time.Duration) (*Run, error) {
	if err := validateScope(tenantID, id); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, errors.New("documents: run ID is required")
	}

	now := r.now()
	cutoff := int64(math.MinInt64)
	if staleAfter > 0 {
		cutoff = now.Add(-staleAfter).UnixNano()
	}

	var generation int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE documents
		SET status = ?, run_id = ?, generation = generation + 1,
			started_at = ?, updated_at = ?, error_message = ''
		WHERE tenant_id = ? AND id = ?
			AND (status != ? OR started_at IS NULL OR started_at < ?)
		RETURNING generation
	`, string(StatusProcessing), runID, now.UnixNano(), now.UnixNano(),
		string(tenantID), id, string(StatusProcessing), cutoff).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, tenantID, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyProcessing
	}
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}

	return &Run{
		TenantID:   tenantID,
		DocumentID: id,
		RunID:      runID,
		Generation: generation,
		StartedAt:  now,
	}, nil
}

// finish applies a terminal transition if run still owns the document.
func finish(ctx context.Context, tx *sql.Tx, run *Run, query string, args ...interface{}) error {
	args = append(args, string(run.TenantID), run.DocumentID, run.RunID, string(StatusProcessing))
	res, err := tx.ExecContext(ctx, query+` WHERE tenant_id = ? AND id = ? AND run_id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s run %s", ErrRunSuperseded, run.DocumentID, run.RunID)
	}
	return nil
}

// Complete marks the document completed and replaces its stored pages, in
// one transaction.
func (r *SQLiteRepository) Complete(ctx context.Context, run *Run, c Completion) error {
	if run == nil {
		return errors.New("documents: run is required")
	}
	now := r.now().UnixNano()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := finish(ctx, tx, run, `
			UPDATE documents
			SET status = ?, page_count = ?, file_size = ?, chunk_count = ?, failed_chunks = ?,
				content_hash = ?, error_message = '', processed_at = ?, updated_at = ?`,
			string(StatusCompleted), c.PageCount, c.FileSize, c.ChunkCount, c.FailedChunks,
			c.ContentHash, now, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE tenant_id = ? AND document_id = ?`,
			string(run.TenantID), run.DocumentID); err != nil {
			return fmt.Errorf("clearing pages: %w", err)
		}
		if len(c.Pages) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO pages (tenant_id, document_id, page, text) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing page insert: %w", err)
		}
		defer stmt.Close()
		for i, text := range c.Pages {
			if _, err := stmt.ExecContext(ctx, string(run.TenantID), run.DocumentID, i+1, text); err != nil {
				return fmt.Errorf("storing page %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// Fail marks the document failed with message. Stored pages are dropped so
// a failed document is not served by legacy retrieval either.
func (r *SQLiteRepository) Fail(ctx context.Context, run *Run, message string) error {
	if run == nil {
		return errors.New("documents: run is required")
	}
	if message == "" {
		message = "ingestion failed"
	}
	now := r.now().UnixNano()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := finish(ctx, tx, run, `
			UPDATE documents
			SET status = ?, error_message = ?, chunk_count = 0, updated_at = ?`,
			string(StatusFailed), message, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE tenant_id = ? AND document_id = ?`,
			string(run.TenantID), run.DocumentID); err != nil {
			return fmt.Errorf("clearing pages: %w", err)
		}
		return nil
	})
}

// SearchPages returns up to limit pages of the tenant containing any of
// terms, case-insensitively. Pages matching more distinct terms come
// first, then by document and page, so a limited candidate pool keeps the
// strongest matches.
func (r *SQLiteRepository) SearchPages(ctx context.Context, tenantID tenant.ID, terms []string, limit int) ([]Page, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	var conds []string
	var args []interface{}
	seen := make(map[string]bool)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		conds = append(conds, `(lower(text) LIKE ? ESCAPE '\')`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	if len(conds) == 0 || limit <= 0 {
		return []Page{}, nil
	}
	args = append(args, string(tenantID), limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, page, text FROM (
			SELECT document_id, page, text, `+strings.Join(conds, " + ")+` AS matched
			FROM pages
			WHERE tenant_id = ?
		)
		WHERE matched > 0
		ORDER BY matched DESC, document_id, page
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching pages: %w", err)
	}
	defer rows.Close()

	pages := []Page{}
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.DocumentID, &p.Number, &p.Text); err != nil {
			return nil, fmt.Errorf("scanning page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc                    Document
		tenantID, status       string
		createdAt, updatedAt   int64
		startedAt, processedAt sql.NullInt64
	)
	if err := row.Scan(&doc.ID, &tenantID, &doc.StoragePath, &status, &doc.PageCount, &doc.FileSize,
		&doc.ChunkCount, &doc.FailedChunks, &doc.ContentHash, &doc.ErrorMessage, &doc.RunID,
		&doc.Generation, &createdAt, &updatedAt, &startedAt, &processedAt); err != nil {
		return nil, err
	}
	doc.TenantID = tenant.ID(tenantID)
	doc.Status = Status(status)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	doc.StartedAt = nullTime(startedAt)
	doc.ProcessedAt = nullTime(processedAt)
	return &doc, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
