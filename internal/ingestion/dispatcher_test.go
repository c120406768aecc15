package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// fakeRunner records jobs. block, when set, holds every run until closed.
type fakeRunner struct {
	mu      sync.Mutex
	jobs    []Job
	tenants []tenant.ID
	err     error
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context, job Job) (*Result, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	id, _ := tenant.FromContext(ctx)
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.tenants = append(r.tenants, id)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &Result{DocumentID: job.DocumentID, Status: documents.StatusCompleted}, nil
}

func (r *fakeRunner) done() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func testJob(id string) Job {
	return Job{TenantID: acme, DocumentID: id, StoragePath: "acme/" + id + ".txt"}
}

func TestLocalDispatcher_RunsJobs(t *testing.T) {
	runner := &fakeRunner{}
	d := NewLocalDispatcher(runner, 2, 10, nil)
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Dispatch(context.Background(), testJob(id)))
	}
	require.Eventually(t, func() bool { return runner.done() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, id := range runner.tenants {
		assert.Equal(t, acme, id)
	}
	for _, j := range runner.jobs {
		assert.False(t, j.EnqueuedAt.IsZero())
	}
}

func TestLocalDispatcher_BoundedConcurrency(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewLocalDispatcher(runner, 2, 10, nil)
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Dispatch(context.Background(), testJob(id)))
	}
	require.Eventually(t, func() bool { return runner.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(runner.block)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 5, runner.done())
	assert.Equal(t, int32(2), runner.peak.Load())
}

func TestLocalDispatcher_QueueFull(t *testing.T) {
	logger := logging.NewTestLogger()
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewLocalDispatcher(runner, 1, 1, logger.Logger)
	d.Start(context.Background())
	defer func() {
		close(runner.block)
		_ = d.Close(context.Background())
	}()

	require.NoError(t, d.Dispatch(context.Background(), testJob("a")))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Dispatch(context.Background(), testJob("b")))

	err := d.Dispatch(context.Background(), testJob("c"))
	require.ErrorIs(t, err, ErrQueueFull)
	logger.AssertLogged(t, zapcore.WarnLevel, "ingestion queue full")
}

func (r *fakeRunner) storagePaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		paths[i] = j.StoragePath
	}
	return paths
}

func TestLocalDispatcher_RerunsDocumentDispatchedWhileRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewLocalDispatcher(runner, 2, 10, nil)
	d.Start(context.Background())

	job := testJob("pump-manual")
	require.NoError(t, d.Dispatch(context.Background(), job))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	for _, path := range []string{"acme/pump-v2.txt", "acme/pump-v3.txt"} {
		job.StoragePath = path
		require.NoError(t, d.Dispatch(context.Background(), job))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runner.running.Load(), "a document never runs twice at once")

	close(runner.block)
	require.Eventually(t, func() bool { return runner.done() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []string{"acme/pump-manual.txt", "acme/pump-v3.txt"}, runner.storagePaths())
	assert.Equal(t, int32(1), runner.peak.Load())
}

func TestLocalDispatcher_CoalescesQueuedDocument(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewLocalDispatcher(runner, 1, 2, nil)
	d.Start(context.Background())

	require.NoError(t, d.Dispatch(context.Background(), testJob("a")))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	queued := testJob("b")
	require.NoError(t, d.Dispatch(context.Background(), queued))
	queued.StoragePath = "acme/b-v2.txt"
	require.NoError(t, d.Dispatch(context.Background(), queued))
	require.NoError(t, d.Dispatch(context.Background(), testJob("c")), "coalesced jobs take no queue slot")

	close(runner.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"acme/a.txt", "acme/b-v2.txt", "acme/c.txt"}, runner.storagePaths())
}

// busyRunner refuses the first busy runs as another process would while
// it holds the document.
type busyRunner struct {
	fakeRunner
	busy  atomic.Int32
	calls atomic.Int32
}

func (r *busyRunner) Run(ctx context.Context, job Job) (*Result, error) {
	r.calls.Add(1)
	if r.busy.Add(-1) >= 0 {
		return nil, documents.ErrAlreadyProcessing
	}
	return r.fakeRunner.Run(ctx, job)
}

func TestLocalDispatcher_RetriesWhileDocumentProcessing(t *testing.T) {
	logger := logging.NewTestLogger()
	runner := &busyRunner{}
	runner.busy.Store(3)
	d := NewLocalDispatcher(runner, 1, 1, logger.Logger)
	d.busyBackoff = time.Millisecond
	d.maxBusyBackoff = 4 * time.Millisecond
	d.Start(context.Background())

	require.NoError(t, d.Dispatch(context.Background(), testJob("pump-manual")))
	require.Eventually(t, func() bool { return runner.done() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(4), runner.calls.Load())
	logger.AssertLogged(t, zapcore.InfoLevel, "already processing")

	// Once the document is free again it can be dispatched anew.
	d = NewLocalDispatcher(runner, 1, 1, nil)
	d.Start(context.Background())
	require.NoError(t, d.Dispatch(context.Background(), testJob("pump-manual")))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, runner.done())
}

func TestLocalDispatcher_BusyRetryStopsOnShutdown(t *testing.T) {
	runner := &busyRunner{}
	runner.busy.Store(1 << 20)
	d := NewLocalDispatcher(runner, 1, 1, nil)
	d.busyBackoff = time.Hour
	d.Start(context.Background())

	require.NoError(t, d.Dispatch(context.Background(), testJob("pump-manual")))
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	assert.Zero(t, runner.done())
}

func TestLocalDispatcher_Validation(t *testing.T) {
	d := NewLocalDispatcher(&fakeRunner{}, 1, 1, nil)

	err := d.Dispatch(context.Background(), Job{TenantID: "not valid!", DocumentID: "a", StoragePath: "a.txt"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = d.Dispatch(context.Background(), Job{TenantID: acme, StoragePath: "a.txt"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLocalDispatcher_Close(t *testing.T) {
	t.Run("rejects after close", func(t *testing.T) {
		d := NewLocalDispatcher(&fakeRunner{}, 1, 1, nil)
		d.Start(context.Background())
		require.NoError(t, d.Close(context.Background()))
		require.NoError(t, d.Close(context.Background()))
		require.ErrorIs(t, d.Dispatch(context.Background(), testJob("a")), ErrDispatcherClosed)
	})

	t.Run("deadline cancels running jobs", func(t *testing.T) {
		runner := &fakeRunner{block: make(chan struct{})}
		d := NewLocalDispatcher(runner, 1, 1, nil)
		d.Start(context.Background())
		require.NoError(t, d.Dispatch(context.Background(), testJob("a")))
		require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
		assert.Zero(t, runner.running.Load())
	})
}

func TestRunJob_LogsOutcome(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level zapcore.Level
		msg   string
	}{
		{name: "failed document", err: ErrIngestionFailed, level: zapcore.DebugLevel, msg: "job finished"},
		{name: "already processing", err: documents.ErrAlreadyProcessing, level: zapcore.InfoLevel, msg: "already processing"},
		{name: "infrastructure error", err: errors.New("database is locked"), level: zapcore.ErrorLevel, msg: "job errored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logging.NewTestLogger()
			runJob(context.Background(), &fakeRunner{err: tt.err}, testJob("a"), logger.Logger)
			logger.AssertLogged(t, tt.level, tt.msg)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ErrIngestionFailed))
	assert.True(t, IsTerminal(ErrSuperseded))
	assert.True(t, IsTerminal(documents.ErrAlreadyProcessing))
	assert.True(t, IsTerminal(tenant.ErrMissingTenant))
	assert.False(t, IsTerminal(errors.New("connection refused")))
	assert.False(t, IsTerminal(context.DeadlineExceeded))
}
