package ingestion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
)

type runnerFunc func(ctx context.Context, job Job) (*Result, error)

func (f runnerFunc) Run(ctx context.Context, job Job) (*Result, error) { return f(ctx, job) }

func TestIngestDocumentWorkflow(t *testing.T) {
	job := testJob("pump-manual")

	t.Run("completes with the run result", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		RegisterWorker(env, runnerFunc(func(_ context.Context, j Job) (*Result, error) {
			return &Result{DocumentID: j.DocumentID, Status: documents.StatusCompleted, ChunkCount: 12}, nil
		}))

		env.ExecuteWorkflow(IngestWorkflowName, WorkflowInput{Job: job})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var res Result
		require.NoError(t, env.GetWorkflowResult(&res))
		assert.Equal(t, documents.StatusCompleted, res.Status)
		assert.Equal(t, 12, res.ChunkCount)
	})

	t.Run("failed document is a workflow result", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		var calls atomic.Int32
		RegisterWorker(env, runnerFunc(func(_ context.Context, j Job) (*Result, error) {
			calls.Add(1)
			return &Result{DocumentID: j.DocumentID, Status: documents.StatusFailed, ErrorMessage: "extraction failed"},
				ErrIngestionFailed
		}))

		env.ExecuteWorkflow(IngestWorkflowName, WorkflowInput{Job: job})

		require.NoError(t, env.GetWorkflowError())
		var res Result
		require.NoError(t, env.GetWorkflowResult(&res))
		assert.Equal(t, documents.StatusFailed, res.Status)
		assert.Equal(t, "extraction failed", res.ErrorMessage)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		for name, cause := range map[string]error{
			errTypeAlreadyProcessing: documents.ErrAlreadyProcessing,
			errTypeSuperseded:        ErrSuperseded,
			errTypeInvalid:           ErrInvalidRequest,
		} {
			t.Run(name, func(t *testing.T) {
				testSuite := &testsuite.WorkflowTestSuite{}
				env := testSuite.NewTestWorkflowEnvironment()
				var calls atomic.Int32
				RegisterWorker(env, runnerFunc(func(context.Context, Job) (*Result, error) {
					calls.Add(1)
					return nil, cause
				}))

				env.ExecuteWorkflow(IngestWorkflowName, WorkflowInput{Job: job})

				err := env.GetWorkflowError()
				require.Error(t, err)
				var appErr *temporal.ApplicationError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, name, appErr.Type())
				assert.True(t, appErr.NonRetryable())
				assert.Equal(t, int32(1), calls.Load())
			})
		}
	})

	t.Run("infrastructure errors are retried", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		var calls atomic.Int32
		RegisterWorker(env, runnerFunc(func(context.Context, Job) (*Result, error) {
			calls.Add(1)
			return nil, errors.New("database is locked")
		}))

		env.ExecuteWorkflow(IngestWorkflowName, WorkflowInput{Job: job, Options: WorkflowOptions{MaxAttempts: 2}})

		require.Error(t, env.GetWorkflowError())
		assert.Equal(t, int32(2), calls.Load())
	})
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-" + r.id }

type fakeStarter struct {
	opts []client.StartWorkflowOptions
	args []interface{}
	err  error
}

func (s *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opts = append(s.opts, opts)
	s.args = append(s.args, wf)
	s.args = append(s.args, args...)
	return fakeRun{id: opts.ID}, nil
}

func TestTemporalDispatcher(t *testing.T) {
	t.Run("starts one workflow per document", func(t *testing.T) {
		starter := &fakeStarter{}
		d, err := NewTemporalDispatcher(starter, "", WorkflowOptions{MaxAttempts: 5}, nil)
		require.NoError(t, err)

		require.NoError(t, d.Dispatch(context.Background(), testJob("pump-manual")))
		require.Len(t, starter.opts, 1)
		opts := starter.opts[0]
		assert.Equal(t, "ingest-acme-pump-manual", opts.ID)
		assert.Equal(t, DefaultTaskQueue, opts.TaskQueue)
		assert.Equal(t, enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE, opts.WorkflowIDReusePolicy)
		assert.True(t, opts.WorkflowExecutionErrorWhenAlreadyStarted)

		require.Len(t, starter.args, 2)
		assert.Equal(t, IngestWorkflowName, starter.args[0])
		in, ok := starter.args[1].(WorkflowInput)
		require.True(t, ok)
		assert.Equal(t, "pump-manual", in.Job.DocumentID)
		assert.Equal(t, int32(5), in.Options.MaxAttempts)
		assert.False(t, in.Job.EnqueuedAt.IsZero())
	})

	t.Run("open workflow maps to already queued", func(t *testing.T) {
		starter := &fakeStarter{err: &serviceerror.WorkflowExecutionAlreadyStarted{Message: "workflow execution already started"}}
		d, err := NewTemporalDispatcher(starter, "ingest", WorkflowOptions{}, nil)
		require.NoError(t, err)
		require.ErrorIs(t, d.Dispatch(context.Background(), testJob("pump-manual")), ErrAlreadyQueued)
	})

	t.Run("other start errors are wrapped", func(t *testing.T) {
		starter := &fakeStarter{err: errors.New("connection refused")}
		d, err := NewTemporalDispatcher(starter, "ingest", WorkflowOptions{}, nil)
		require.NoError(t, err)
		err = d.Dispatch(context.Background(), testJob("pump-manual"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyQueued)
		assert.Contains(t, err.Error(), "failed to start workflow")
	})

	t.Run("invalid job is rejected before starting", func(t *testing.T) {
		starter := &fakeStarter{}
		d, err := NewTemporalDispatcher(starter, "", WorkflowOptions{}, nil)
		require.NoError(t, err)
		require.ErrorIs(t, d.Dispatch(context.Background(), Job{TenantID: acme}), ErrInvalidRequest)
		assert.Empty(t, starter.opts)
	})

	_, err := NewTemporalDispatcher(nil, "", WorkflowOptions{}, nil)
	assert.Error(t, err)
}
