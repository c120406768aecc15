package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// PageBreak separates pages in Result.Text.
const PageBreak = "\f"

// Permanent extraction errors. Retrying will not help.
var (
	ErrNotFound        = errors.New("file not found")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrPageMismatch    = errors.New("extracted text page count does not match document")
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrCorrupt         = errors.New("file is corrupt or unreadable")
	ErrNoText          = errors.New("no extracted text available")
	ErrInvalidEncoding = errors.New("text is not valid UTF-8")
)

// Result is the text of one document.
type Result struct {
	// Text is the pages joined by PageBreak.
	Text        string
	Pages       []string
	PageCount   int
	FileSize    int64
	ContentHash string
}

// Extractor extracts text from a stored document owned by a tenant.
type Extractor interface {
	Extract(ctx context.Context, tenantID tenant.ID, storagePath string) (*Result, error)
}

// IsPermanent reports whether err will recur on retry.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrUnsupportedType, ErrPageMismatch, ErrFileTooLarge,
		ErrCorrupt, ErrNoText, ErrInvalidEncoding, sanitize.ErrPathTraversal, sanitize.ErrEmptyPath,
		tenant.ErrInvalidTenant,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FileExtractor reads documents below a storage root. Storage paths are
// relative to the root, and a tenant may only read below <root>/<tenant>/
// or, when an inbox is set, <inbox>/<tenant>/.
type FileExtractor struct {
	root        string
	inbox       string
	maxFileSize int64
	pageCount   func(path string) (int, error)
}

// FileExtractorOption configures a FileExtractor.
type FileExtractorOption func(*FileExtractor)

// WithInbox also lets each tenant read its own directory below inbox.
// A relative inbox resolves against the storage root.
func WithInbox(inbox string) FileExtractorOption {
	return func(e *FileExtractor) { e.inbox = inbox }
}

// NewFileExtractor returns an extractor for files under root. A
// non-positive maxFileSize disables the size check.
func NewFileExtractor(root string, maxFileSize int64, opts ...FileExtractorOption) *FileExtractor {
	e := &FileExtractor{root: root, maxFileSize: maxFileSize, pageCount: pdfPageCount}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract resolves storagePath inside the tenant's directories and
// extracts its text.
func (e *FileExtractor) Extract(ctx context.Context, tenantID tenant.ID, storagePath string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := e.resolve(tenantID, storagePath)
	if err != nil {
		return nil, fmt.Errorf("storage path %q: %w", storagePath, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storagePath)
		}
		return nil, fmt.Errorf("stat %s: %w", storagePath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnsupportedType, storagePath)
	}
	if e.maxFileSize > 0 && info.Size() > e.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), e.maxFileSize)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".text", ".md":
		return e.extractText(path)
	case ".pdf":
		return e.extractPDF(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Ext(path))
	}
}

// resolve returns the absolute path of storagePath, which must lie in one
// of the tenant's directories.
func (e *FileExtractor) resolve(tenantID tenant.ID, storagePath string) (string, error) {
	if err := tenantID.Validate(); err != nil {
		return "", err
	}
	path, err := sanitize.ValidatePath(storagePath, e.root)
	if err != nil {
		return "", err
	}
	dirs := []string{filepath.Join(e.root, string(tenantID))}
	if e.inbox != "" {
		inbox := e.inbox
		if !filepath.IsAbs(inbox) {
			inbox = filepath.Join(e.root, inbox)
		}
		dirs = append(dirs, filepath.Join(inbox, string(tenantID)))
	}
	for _, dir := range dirs {
		if _, err := sanitize.ValidatePath(path, dir); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: outside the storage of tenant %s", sanitize.ErrPathTraversal, tenantID)
}

func (e *FileExtractor) extractText(path string) (*Result, error) {
	raw, hash, err := readHashed(path, e.maxFileSize)
	if err != nil {
		return nil, err
	}
	pages, err := splitPages(raw)
	if err != nil {
		return nil, err
	}
	return newResult(pages, int64(len(raw)), hash), nil
}

func (e *FileExtractor) extractPDF(ctx context.Context, path string) (*Result, error) {
	pdfCount, err := e.pageCount(path)
	if err != nil {
		return nil, err
	}

	_, hash, err := readHashed(path, e.maxFileSize)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sidecar, _, err := readHashed(path+".txt", e.maxFileSize)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: missing %s.txt", ErrNoText, filepath.Base(path))
		}
		return nil, err
	}
	pages, err := splitPages(sidecar)
	if err != nil {
		return nil, err
	}
	if len(pages) != pdfCount {
		return nil, fmt.Errorf("%w: pdf has %d pages, text has %d", ErrPageMismatch, pdfCount, len(pages))
	}
	return newResult(pages, info.Size(), hash), nil
}

func newResult(pages []string, size int64, hash string) *Result {
	return &Result{
		Text:        strings.Join(pages, PageBreak),
		Pages:       pages,
		PageCount:   len(pages),
		FileSize:    size,
		ContentHash: hash,
	}
}

// readHashed reads a whole file and returns its sha256.
func readHashed(path string, limit int64) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, "", fmt.Errorf("%w: %s", ErrFileTooLarge, filepath.Base(path))
	}
	sum := sha256.Sum256(raw)
	return raw, hex.EncodeToString(sum[:]), nil
}

// splitPages normalizes line endings and splits on form feeds. A single
// trailing form feed does not start an empty page.
func splitPages(raw []byte) ([]string, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidEncoding
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.TrimSuffix(text, PageBreak)
	return strings.Split(text, PageBreak), nil
}
