package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

var (
	// ErrQueueFull is returned by LocalDispatcher when its queue is full.
	ErrQueueFull = errors.New("ingestion queue is full")

	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrAlreadyQueued is returned when the document already has a job in
	// flight with the dispatcher.
	ErrAlreadyQueued = errors.New("document already queued")
)

// Job is one asynchronous ingestion request.
type Job struct {
	TenantID    tenant.ID `json:"tenant_id"`
	DocumentID  string    `json:"document_id"`
	StoragePath string    `json:"storage_path"`
	RequestID   string    `json:"request_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Validate checks the job before it is handed to a transport.
func (j Job) Validate() error {
	if err := j.TenantID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return Request{DocumentID: j.DocumentID, StoragePath: j.StoragePath}.Validate()
}

// Dispatcher hands jobs to some executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Runner executes a job. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// Event is a status change of one document run.
type Event struct {
	TenantID     tenant.ID        `json:"tenant_id"`
	DocumentID   string           `json:"document_id"`
	RunID        string           `json:"run_id"`
	Generation   int64            `json:"generation"`
	Status       documents.Status `json:"processing_status"`
	PageCount    int              `json:"page_count,omitempty"`
	ChunkCount   int              `json:"chunk_count,omitempty"`
	FailedChunks int              `json:"failed_chunks,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Time         time.Time        `json:"time"`
}

// Notifier publishes status events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

// LocalDispatcher runs jobs on a bounded pool of goroutines.
//
// Jobs are coalesced per document: a job dispatched while an earlier one
// for the same document is queued replaces it, and one dispatched while it
// is running is run again once the current run ends, with the latest job.
// A run refused with documents.ErrAlreadyProcessing, because another
// process holds the document, is retried with backoff until it starts.
type LocalDispatcher struct {
	runner  Runner
	logger  *logging.Logger
	workers int
	queue   chan Job

	busyBackoff    time.Duration
	maxBusyBackoff time.Duration

	mu     sync.Mutex
	closed bool
	slots  map[string]*docSlot
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// docSlot tracks the one queued or running job of a document.
type docSlot struct {
	latest  Job
	running bool
	rerun   bool
}

func slotKey(job Job) string {
	return string(job.TenantID) + "/" + job.DocumentID
}

// NewLocalDispatcher returns a stopped pool. Call Start before Dispatch.
func NewLocalDispatcher(runner Runner, workers, queueSize int, logger *logging.Logger) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalDispatcher{
		runner:         runner,
		logger:         logger.Named("dispatcher"),
		workers:        workers,
		queue:          make(chan Job, queueSize),
		busyBackoff:    time.Second,
		maxBusyBackoff: 30 * time.Second,
		slots:          make(map[string]*docSlot),
	}
}

// Start launches the workers. Jobs run with a context derived from ctx.
func (d *LocalDispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info(ctx, "local dispatcher started", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
}

// Dispatch enqueues job without blocking. A job for a document that is
// already queued or running is coalesced and does not take a queue slot.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	key := slotKey(job)
	if slot, ok := d.slots[key]; ok {
		slot.latest = job
		if slot.running {
			slot.rerun = true
		}
		d.logger.Debug(ctx, "coalesced job with pending run",
			zap.String("tenant_id", string(job.TenantID)),
			zap.String("document_id", job.DocumentID),
			zap.Bool("running", slot.running))
		return nil
	}
	select {
	case d.queue <- job:
		d.slots[key] = &docSlot{latest: job}
		QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.logger.Warn(ctx, "ingestion queue full, rejecting job",
			zap.String("tenant_id", string(job.TenantID)),
			zap.String("document_id", job.DocumentID))
		return ErrQueueFull
	}
}

func (d *LocalDispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		QueueDepth.Set(float64(len(d.queue)))
		key := slotKey(job)
		d.mu.Lock()
		slot := d.slots[key]
		if slot == nil {
			slot = &docSlot{latest: job}
			d.slots[key] = slot
		}
		slot.running = true
		job = slot.latest
		d.mu.Unlock()

		d.runSlot(ctx, key, slot, job)
	}
}

// runSlot runs job, then any job coalesced into slot while it ran. The
// slot is released under the same lock that sees no pending rerun, so a
// concurrent Dispatch either lands in this slot or starts a new one.
func (d *LocalDispatcher) runSlot(ctx context.Context, key string, slot *docSlot, job Job) {
	backoff := d.busyBackoff
	for {
		if ctx.Err() != nil {
			d.mu.Lock()
			delete(d.slots, key)
			d.mu.Unlock()
			d.logger.Warn(ctx, "dropping job after shutdown",
				zap.String("tenant_id", string(job.TenantID)),
				zap.String("document_id", job.DocumentID))
			return
		}

		err := runJob(ctx, d.runner, job, d.logger)
		busy := errors.Is(err, documents.ErrAlreadyProcessing)
		if busy {
			if !sleepCtx(ctx, backoff) {
				continue
			}
			backoff = min(2*backoff, d.maxBusyBackoff)
		} else {
			backoff = d.busyBackoff
		}

		d.mu.Lock()
		if !busy && !slot.rerun {
			delete(d.slots, key)
			d.mu.Unlock()
			return
		}
		// Retry or rerun with the newest job for the document.
		slot.rerun = false
		job = slot.latest
		d.mu.Unlock()
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close stops accepting jobs and waits for queued jobs to finish or for
// ctx to expire, whichever comes first. Jobs still running when ctx
// expires are canceled.
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// runJob runs one job, logs its outcome and returns the run error.
// Expected terminal outcomes are not errors of the transport.
func runJob(ctx context.Context, runner Runner, job Job, logger *logging.Logger) error {
	ctx = tenant.WithTenant(ctx, job.TenantID)
	ctx = logging.WithDocumentID(ctx, job.DocumentID)

	res, err := runner.Run(ctx, job)
	switch {
	case err == nil:
		logger.Debug(ctx, "job finished", zap.String("status", string(res.Status)))
	case errors.Is(err, ErrIngestionFailed), errors.Is(err, ErrSuperseded):
		logger.Debug(ctx, "job finished", zap.Error(err))
	case errors.Is(err, documents.ErrAlreadyProcessing):
		logger.Info(ctx, "document already processing, retrying later")
	default:
		logger.Error(ctx, "job errored", zap.Error(err))
	}
	return err
}

// IsTerminal reports whether err is a final outcome that retrying the same
// job cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrIngestionFailed) ||
		errors.Is(err, ErrSuperseded) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, documents.ErrAlreadyProcessing) ||
		errors.Is(err, documents.ErrNotFound) ||
		errors.Is(err, tenant.ErrInvalidTenant) ||
		errors.Is(err, tenant.ErrMissingTenant)
}
