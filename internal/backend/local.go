package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/pkg/types"
)

type jobRecord struct {
	logs   string
	result string
	errMsg string
}

// LocalBackend executes steps on goroutines in the same process and
// keeps job artifacts in memory. It is the default backend for single
// machine use and for tests.
type LocalBackend struct {
	executor  StepExecutor
	completer Completer
	logger    *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord
	wg   sync.WaitGroup
}

// NewLocalBackend builds a local backend.
func NewLocalBackend(executor StepExecutor, completer Completer, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{
		executor:  executor,
		completer: completer,
		logger:    logger,
		jobs:      make(map[string]*jobRecord),
	}
}

// Dispatch launches the step on a goroutine and returns its job
// reference immediately.
func (b *LocalBackend) Dispatch(ctx context.Context, d Dispatch) (jobref.Reference, error) {
	jobID := uuid.NewString()
	ref := jobref.New(jobID)

	b.mu.Lock()
	b.jobs[jobID] = &jobRecord{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		result := b.executor.ExecuteStep(context.WithoutCancel(ctx), d)
		result.JobReference = ref.String()

		b.mu.Lock()
		rec := b.jobs[jobID]
		rec.logs = result.Summary
		if result.Success {
			rec.result = result.Summary
		} else {
			rec.errMsg = result.Summary
		}
		b.mu.Unlock()

		if err := b.completer.HandleStepCompletion(context.WithoutCancel(ctx), d.Step.ID, result); err != nil {
			b.logger.Error("failed to deliver step completion",
				zap.Int64("step_run_id", d.Step.ID),
				zap.Error(err))
		}
	}()

	return ref, nil
}

// Resolve returns the artifact for a reference. Unknown job ids and
// absent artifacts are validation errors.
func (b *LocalBackend) Resolve(ctx context.Context, ref jobref.Reference) (string, error) {
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

// Close waits for all in-flight steps to finish.
func (b *LocalBackend) Close() error {
	b.wg.Wait()
	return nil
}
