// Package documents persists per-document processing status.
//
// The status column doubles as the per-document run lock: BeginRun is a
// compare-and-swap that moves a document into processing and hands out a
// run ID and a new generation. Only the holder of the current run ID may
// complete or fail the document, so a superseded run can never overwrite
// the result of a newer one.
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

var (
	// ErrNotFound is returned when the document does not exist for the tenant.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyProcessing is returned by BeginRun while another run holds
	// the document and has not gone stale.
	ErrAlreadyProcessing = errors.New("document is already processing")

	// ErrRunSuperseded is returned when a run tries to finish a document
	// that a newer run has taken over.
	ErrRunSuperseded = errors.New("ingestion run superseded")

	// ErrInvalidStatus is returned for an unknown status filter.
	ErrInvalidStatus = errors.New("invalid document status")
)

// Status is the processing state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Document is the persisted status record of one uploaded manual.
type Document struct {
	ID           string     `json:"document_id"`
	TenantID     tenant.ID  `json:"tenant_id"`
	StoragePath  string     `json:"storage_path"`
	Status       Status     `json:"processing_status"`
	PageCount    int        `json:"page_count"`
	FileSize     int64      `json:"file_size"`
	ChunkCount   int        `json:"chunk_count"`
	FailedChunks int        `json:"failed_chunks"`
	ContentHash  string     `json:"content_hash,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	Generation   int64      `json:"generation"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// Run is the ownership token handed out by BeginRun.
type Run struct {
	TenantID   tenant.ID
	DocumentID string
	RunID      string
	Generation int64
	StartedAt  time.Time
}

// Completion is what a successful run records.
type Completion struct {
	PageCount    int
	FileSize     int64
	ChunkCount   int
	FailedChunks int
	ContentHash  string
	// Pages holds the extracted text per page, 1-based in order. It backs
	// the legacy retrieval path.
	Pages []string
}

// Page is one stored page of extracted text.
type Page struct {
	DocumentID string
	Number     int
	Text       string
}

// Repository stores documents. Every method is scoped to one tenant.
type Repository interface {
	Ensure(ctx context.Context, tenantID tenant.ID, id, storagePath string) (*Document, error)
	Get(ctx context.Context, tenantID tenant.ID, id string) (*Document, error)
	List(ctx context.Context, tenantID tenant.ID, status Status) ([]*Document, error)
	BeginRun(ctx context.Context, tenantID tenant.ID, id, runID string, staleAfter time.Duration) (*Run, error)
	Complete(ctx context.Context, run *Run, c Completion) error
	Fail(ctx context.Context, run *Run, message string) error
	SearchPages(ctx context.Context, tenantID tenant.ID, terms []string, limit int) ([]Page, error)
	Close() error
}
