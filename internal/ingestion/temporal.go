package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

// Registered names of the ingestion workflow and activity.
const (
	IngestWorkflowName = "IngestDocumentWorkflow"
	IngestActivityName = "IngestDocument"
	DefaultTaskQueue   = "manualrag-ingest"
)

// Application error types that are not retried.
const (
	errTypeAlreadyProcessing = "AlreadyProcessing"
	errTypeSuperseded        = "Superseded"
	errTypeInvalid           = "InvalidRequest"
)

// WorkflowOptions tune the ingestion workflow's activity.
type WorkflowOptions struct {
	// RunTimeout bounds one activity attempt.
	RunTimeout  time.Duration `json:"run_timeout"`
	MaxAttempts int32         `json:"max_attempts"`
}

// WorkflowInput is the argument of IngestDocumentWorkflow.
type WorkflowInput struct {
	Job     Job             `json:"job"`
	Options WorkflowOptions `json:"options"`
}

// IngestDocumentWorkflow runs one ingestion job as a Temporal activity. A
// failed document is a completed workflow whose result carries the failed
// status; only infrastructure errors are retried.
func IngestDocumentWorkflow(ctx workflow.Context, in WorkflowInput) (*Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting document ingestion",
		"tenant_id", string(in.Job.TenantID),
		"document_id", in.Job.DocumentID)

	timeout := in.Options.RunTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout + finalizeTimeout
	}
	attempts := in.Options.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{errTypeAlreadyProcessing, errTypeSuperseded, errTypeInvalid},
		},
	})

	var res Result
	if err := workflow.ExecuteActivity(ctx, IngestActivityName, in.Job).Get(ctx, &res); err != nil {
		return nil, err
	}

	logger.Info("Document ingestion finished",
		"document_id", res.DocumentID,
		"status", string(res.Status),
		"chunk_count", res.ChunkCount)
	return &res, nil
}

// Activities holds the ingestion activity and its Runner.
type Activities struct {
	Runner Runner
}

// Ingest is the activity behind IngestActivityName.
func (a *Activities) Ingest(ctx context.Context, job Job) (*Result, error) {
	res, err := a.Runner.Run(ctx, job)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, ErrIngestionFailed) && res != nil:
		return res, nil
	case errors.Is(err, documents.ErrAlreadyProcessing):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeAlreadyProcessing, err)
	case errors.Is(err, ErrSuperseded):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeSuperseded, err)
	case IsTerminal(err):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalid, err)
	default:
		return nil, err
	}
}

// Registry is the part of worker.Worker used by RegisterWorker. The test
// workflow environment implements it too.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterWorker registers the ingestion workflow and activity under their
// stable names.
func RegisterWorker(r Registry, runner Runner) {
	r.RegisterWorkflowWithOptions(IngestDocumentWorkflow, workflow.RegisterOptions{Name: IngestWorkflowName})
	r.RegisterActivityWithOptions((&Activities{Runner: runner}).Ingest, activity.RegisterOptions{Name: IngestActivityName})
}

// WorkflowStarter is the part of client.Client used to start workflows.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalDispatcher starts one workflow per job. The workflow ID is
// derived from tenant and document, so a document has at most one open
// workflow.
type TemporalDispatcher struct {
	client    WorkflowStarter
	taskQueue string
	options   WorkflowOptions
	logger    *logging.Logger
}

// NewTemporalDispatcher returns a dispatcher on taskQueue.
func NewTemporalDispatcher(c WorkflowStarter, taskQueue string, opts WorkflowOptions, logger *logging.Logger) (*TemporalDispatcher, error) {
	if c == nil {
		return nil, errors.New("ingestion: temporal client is required")
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TemporalDispatcher{client: c, taskQueue: taskQueue, options: opts, logger: logger.Named("temporal")}, nil
}

// WorkflowID is the workflow ID used for job.
func WorkflowID(job Job) string {
	return fmt.Sprintf("ingest-%s-%s", job.TenantID, job.DocumentID)
}

// Dispatch starts the workflow. It returns ErrAlreadyQueued while a
// workflow for the same document is still open.
func (d *TemporalDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(job),
		TaskQueue:                                d.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	we, err := d.client.ExecuteWorkflow(ctx, opts, IngestWorkflowName, WorkflowInput{Job: job, Options: d.options})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return ErrAlreadyQueued
		}
		return fmt.Errorf("failed to start workflow: %w", err)
	}
	d.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()))
	return nil
}
