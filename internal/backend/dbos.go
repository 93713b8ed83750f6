package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// StepJobInput is the serializable workflow input for one step job.
// Only identifiers cross the workflow boundary; the workflow re-reads
// live state through the executor's dependencies.
type StepJobInput struct {
	JobID        string
	RunID        int64
	StepRunID    int64
	StepName     string
	StepType     string
	Model        string
	WorktreePath string
	AgentID      string
	PromptID     string
}

// StepJobOutput is the serializable workflow result.
type StepJobOutput struct {
	Success bool
	Summary string
}

// DBOSBackend runs each step as a durable DBOS workflow on a queue, so
// in-flight steps survive process restarts.
type DBOSBackend struct {
	dbosCtx   dbos.DBOSContext
	queue     dbos.WorkflowQueue
	executor  StepExecutor
	completer Completer
	logger    *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord
}

// NewDBOSBackend creates the backend and registers its workflow.
// Callers must invoke dbos.Launch on dbosCtx after construction and
// before the first Dispatch.
func NewDBOSBackend(dbosCtx dbos.DBOSContext, queueName string, executor StepExecutor, completer Completer, logger *zap.Logger) *DBOSBackend {
	b := &DBOSBackend{
		dbosCtx:   dbosCtx,
		executor:  executor,
		completer: completer,
		logger:    logger,
		jobs:      make(map[string]*jobRecord),
	}
	dbos.RegisterWorkflow(dbosCtx, b.StepJobWorkflow)
	b.queue = dbos.NewWorkflowQueue(dbosCtx, queueName,
		dbos.WithQueueBasePollingInterval(100*time.Millisecond),
	)
	return b
}

// Dispatch enqueues the step as a workflow and returns without waiting
// for it.
func (b *DBOSBackend) Dispatch(ctx context.Context, d Dispatch) (jobref.Reference, error) {
	jobID := uuid.NewString()
	input := StepJobInput{
		JobID:        jobID,
		RunID:        d.Run.ID,
		StepRunID:    d.Step.ID,
		StepName:     d.Step.StepName,
		StepType:     string(d.Step.StepType),
		Model:        d.Step.Model,
		WorktreePath: d.WorktreePath,
	}
	if d.Binding != nil {
		input.AgentID = d.Binding.AgentID
		input.PromptID = d.Binding.PromptID
		if input.Model == "" {
			input.Model = d.Binding.Model
		}
	}

	b.mu.Lock()
	b.jobs[jobID] = &jobRecord{}
	b.mu.Unlock()

	if _, err := dbos.RunWorkflow(b.dbosCtx, b.StepJobWorkflow, input,
		dbos.WithQueue(b.queue.Name),
	); err != nil {
		return jobref.Reference{}, fmt.Errorf("failed to enqueue step job: %w", err)
	}

	b.logger.Info("step job enqueued",
		zap.String("job_id", jobID),
		zap.Int64("step_run_id", d.Step.ID))
	return jobref.New(jobID), nil
}

// StepJobWorkflow executes one step durably. Execution and completion
// delivery are separate checkpointed steps, so a crash between them
// replays only the completion.
func (b *DBOSBackend) StepJobWorkflow(ctx dbos.DBOSContext, input StepJobInput) (StepJobOutput, error) {
	d := Dispatch{
		Run: &types.ProtocolRun{ID: input.RunID},
		Step: &types.StepRun{
			ID:            input.StepRunID,
			ProtocolRunID: input.RunID,
			StepName:      input.StepName,
			StepType:      types.StepType(input.StepType),
			Model:         input.Model,
		},
		WorktreePath: input.WorktreePath,
	}
	if input.AgentID != "" {
		d.Binding = &types.AgentBinding{
			AgentID:  input.AgentID,
			PromptID: input.PromptID,
			Model:    input.Model,
		}
	}

	result, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (types.StepResult, error) {
		return b.executor.ExecuteStep(stepCtx, d), nil
	})
	if err != nil {
		return StepJobOutput{}, fmt.Errorf("failed to execute step job: %w", err)
	}
	result.JobReference = jobref.New(input.JobID).String()

	b.mu.Lock()
	if rec, ok := b.jobs[input.JobID]; ok {
		rec.logs = result.Summary
		if result.Success {
			rec.result = result.Summary
		} else {
			rec.errMsg = result.Summary
		}
	}
	b.mu.Unlock()

	_, err = dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
		if err := b.completer.HandleStepCompletion(stepCtx, input.StepRunID, result); err != nil {
			return false, err
		}
		return true, nil
	}, dbos.WithStepMaxRetries(3))
	if err != nil {
		return StepJobOutput{}, fmt.Errorf("failed to deliver step completion: %w", err)
	}

	return StepJobOutput{Success: result.Success, Summary: result.Summary}, nil
}

// Resolve returns artifacts for jobs dispatched by this process. Jobs
// from earlier processes resolve to a validation error; their outcome
// lives in the run store.
func (b *DBOSBackend) Resolve(ctx context.Context, ref jobref.Reference) (string, error) {
	b.mu.Lock()
	rec, ok := b.jobs[ref.JobID]
	b.mu.Unlock()
	if !ok {
		return "", types.NewError(types.ErrValidation, "unknown job id "+ref.JobID)
	}
	switch ref.Resource {
	case jobref.ResourceResult:
		return rec.result, nil
	case jobref.ResourceError:
		return rec.errMsg, nil
	default:
		return rec.logs, nil
	}
}

// Close is a no-op; the DBOS context owns workflow shutdown.
func (b *DBOSBackend) Close() error {
	return nil
}
