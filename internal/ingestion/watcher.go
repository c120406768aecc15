package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/sanitize"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize inbox watcher")

const defaultDebounce = 500 * time.Millisecond

// WatcherConfig configures an inbox Watcher.
type WatcherConfig struct {
	// Root is the storage root that storage paths are relative to.
	Root string
	// Inbox holds one directory per tenant and must lie inside Root.
	Inbox string
	// Debounce delays dispatch until a file stopped changing.
	Debounce time.Duration
}

// Watcher dispatches an ingestion job for every manual dropped into
// <inbox>/<tenant>/. The file name without extension is the document ID.
// A PDF is dispatched once both the PDF and its "<name>.pdf.txt" text
// sidecar are present.
type Watcher struct {
	root       string
	inbox      string
	debounce   time.Duration
	dispatcher Dispatcher
	logger     *logging.Logger
	watcher    *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher creates the inbox directory if needed and returns a stopped
// watcher.
func NewWatcher(cfg WatcherConfig, dispatcher Dispatcher, logger *logging.Logger) (*Watcher, error) {
	if dispatcher == nil {
		return nil, errors.New("ingestion: dispatcher is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	inbox, err := sanitize.ValidatePath(cfg.Inbox, root)
	if err != nil {
		return nil, fmt.Errorf("inbox must be inside the storage root: %w", err)
	}
	if err := os.MkdirAll(inbox, 0o750); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		root:       root,
		inbox:      inbox,
		debounce:   cfg.Debounce,
		dispatcher: dispatcher,
		logger:     logger.Named("watcher"),
		watcher:    w,
		pending:    make(map[string]*time.Timer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start watches the inbox and every tenant directory in it.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.inbox); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchTenant(ctx, filepath.Join(w.inbox, e.Name()))
		}
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop(ctx)
	w.logger.Info(ctx, "inbox watcher started", zap.String("inbox", w.inbox))
	return nil
}

// Stop stops watching and cancels pending dispatches.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if filepath.Dir(event.Name) == w.inbox {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchTenant(ctx, event.Name)
		}
		return
	}
	if filepath.Dir(filepath.Dir(event.Name)) != w.inbox || ignored(filepath.Base(event.Name)) {
		return
	}

	path := event.Name
	if strings.HasSuffix(strings.ToLower(path), ".pdf.txt") {
		path = path[:len(path)-len(".txt")]
	}
	w.schedule(ctx, path)
}

func (w *Watcher) watchTenant(ctx context.Context, dir string) {
	if _, err := tenant.Parse(filepath.Base(dir)); err != nil {
		w.logger.Warn(ctx, "ignoring inbox directory with invalid tenant name", zap.String("dir", dir))
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn(ctx, "watching tenant inbox", zap.String("dir", dir), zap.Error(err))
	}
}

// schedule (re)arms the debounce timer of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		return
	default:
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.dispatch(ctx, path)
	})
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	job, ok := w.jobFor(ctx, path)
	if !ok {
		return
	}
	ctx = logging.WithDocumentID(tenant.WithTenant(ctx, job.TenantID), job.DocumentID)
	err := w.dispatcher.Dispatch(ctx, job)
	switch {
	case err == nil:
		w.logger.Info(ctx, "inbox file dispatched", zap.String("storage_path", job.StoragePath))
	case errors.Is(err, ErrAlreadyQueued):
		w.logger.Debug(ctx, "inbox file already queued", zap.String("storage_path", job.StoragePath))
	default:
		w.logger.Error(ctx, "dispatching inbox file", zap.String("storage_path", job.StoragePath), zap.Error(err))
	}
}

// jobFor builds the job for a settled inbox file. ok is false when the file
// is gone, unsupported, or a PDF still waiting for its sidecar.
func (w *Watcher) jobFor(ctx context.Context, path string) (Job, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Job{}, false
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".text", ".md":
	case ".pdf":
		if _, err := os.Stat(path + ".txt"); err != nil {
			w.logger.Debug(ctx, "waiting for text sidecar", zap.String("path", path))
			return Job{}, false
		}
	default:
		w.logger.Debug(ctx, "ignoring unsupported inbox file", zap.String("path", path))
		return Job{}, false
	}

	tenantID, err := tenant.Parse(filepath.Base(filepath.Dir(path)))
	if err != nil {
		return Job{}, false
	}
	base := filepath.Base(path)
	docID := strings.TrimSuffix(base, filepath.Ext(base))
	if err := sanitize.ValidateDocumentID(docID); err != nil {
		w.logger.Warn(ctx, "ignoring inbox file with invalid document id", zap.String("path", path), zap.Error(err))
		return Job{}, false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return Job{}, false
	}
	return Job{
		TenantID:    tenantID,
		DocumentID:  docID,
		StoragePath: filepath.ToSlash(rel),
		EnqueuedAt:  time.Now().UTC(),
	}, true
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part")
}
