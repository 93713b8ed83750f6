// Package backend dispatches step runs to workers and routes their
// completions back to the orchestrator. Two backends exist: a local
// in-process one, and a durable one backed by a DBOS workflow queue.
package backend

import (
	"context"

	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Dispatch carries everything a worker needs to execute one step.
type Dispatch struct {
	Run          *types.ProtocolRun
	Step         *types.StepRun
	WorktreePath string
	Binding      *types.AgentBinding
}

// Completer receives step completions. The orchestrator implements it;
// defining the interface here keeps the dependency pointing one way.
type Completer interface {
	HandleStepCompletion(ctx context.Context, stepRunID int64, result types.StepResult) error
}

// StepExecutor performs the actual work of one step and reports the
// outcome. Executors never return an error: every failure mode is a
// failed StepResult so the policy engine sees it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, d Dispatch) types.StepResult
}

// JobBackend accepts step dispatches and resolves job references to
// their artifacts.
type JobBackend interface {
	// Dispatch hands a step to a worker and returns the job reference
	// tracking it. Completion arrives asynchronously via the Completer.
	Dispatch(ctx context.Context, d Dispatch) (jobref.Reference, error)
	// Resolve fetches the artifact a reference points at.
	Resolve(ctx context.Context, ref jobref.Reference) (string, error)
	// Close drains in-flight work.
	Close() error
}
