// Package orchestrator advances protocol runs through their plans. It
// owns every state transition: steps are dispatched one at a time, and
// worker completions come back through HandleStepCompletion, which is
// safe to deliver more than once.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/backend"
	"github.com/cloud-shuttle/muster/internal/budget"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/events"
	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/internal/policy"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// WorktreeManager prepares the isolated workspace a run executes in.
type WorktreeManager interface {
	Prepare(ctx context.Context, run *types.ProtocolRun) (string, error)
}

// Orchestrator coordinates runs, steps, policy, budget and worktrees.
type Orchestrator struct {
	store     *db.Store
	bus       *events.Bus
	engine    *policy.Engine
	guard     *budget.Guard
	worktrees WorktreeManager
	backend   backend.JobBackend
	logger    *zap.Logger

	persistRetries int
}

// New builds an orchestrator. The job backend is attached afterwards via
// SetBackend because the backend needs the orchestrator as its completer.
func New(store *db.Store, bus *events.Bus, engine *policy.Engine, guard *budget.Guard, worktrees WorktreeManager, persistRetries int, logger *zap.Logger) *Orchestrator {
	if persistRetries < 1 {
		persistRetries = 1
	}
	return &Orchestrator{
		store:          store,
		bus:            bus,
		engine:         engine,
		guard:          guard,
		worktrees:      worktrees,
		logger:         logger,
		persistRetries: persistRetries,
	}
}

// SetBackend attaches the job backend. Must be called before StartRun.
func (o *Orchestrator) SetBackend(b backend.JobBackend) {
	o.backend = b
}

// withRetry runs a persistence operation with bounded retries. The
// sqlite busy timeout handles most contention; this covers the rest.
func (o *Orchestrator) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.persistRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		o.logger.Warn("persistence attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) appendEvent(ev *types.Event) error {
	var stored *types.Event
	err := o.withRetry("append event", func() error {
		var err error
		stored, err = o.store.AppendEvent(ev)
		return err
	})
	if err != nil {
		return err
	}
	o.bus.Publish(stored)
	return nil
}

// CreateRun persists a new run in pending state with its plan and opens
// its budget ledgers.
func (o *Orchestrator) CreateRun(ctx context.Context, run *types.ProtocolRun) (*types.ProtocolRun, error) {
	created, err := o.store.CreateProtocolRun(run)
	if err != nil {
		return nil, err
	}
	if err := o.guard.InitRun(created); err != nil {
		return nil, err
	}
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: created.ID,
		EventType:     events.TypeRunCreated,
		Message:       fmt.Sprintf("run created with %d planned steps", len(created.Plan)),
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// StartRun moves a pending run to running, prepares its worktree and
// dispatches the first step.
func (o *Orchestrator) StartRun(ctx context.Context, runID int64) error {
	ok, err := o.store.TransitionProtocol(runID, types.ProtocolPending, types.ProtocolRunning)
	if err != nil {
		return err
	}
	if !ok {
		// Starting a paused run is a resume.
		if run, err := o.store.GetProtocolRun(runID); err == nil && run != nil && run.Status == types.ProtocolPaused {
			return o.ResumeRun(ctx, runID)
		}
		return types.NewError(types.ErrStateConflict,
			fmt.Sprintf("run %d is not pending", runID))
	}

	err = func() error {
		run, err := o.store.GetProtocolRun(runID)
		if err != nil {
			return err
		}

		if _, err := o.worktrees.Prepare(ctx, run); err != nil {
			return err
		}

		if err := o.appendEvent(&types.Event{
			ProtocolRunID: runID,
			EventType:     events.TypeRunStarted,
		}); err != nil {
			return err
		}

		step, err := o.store.CreateStepRun(runID, run.Plan[0])
		if err != nil {
			return err
		}
		return o.dispatchStep(ctx, runID, step.ID)
	}()
	if err != nil && types.KindOf(err) == "" {
		o.surfaceFatal(ctx, runID, err)
	}
	return err
}

// surfaceFatal fails a run whose advancement broke outside the error
// taxonomy: worktree or storage trouble after bounded retries. The run
// must not sit running forever. Best effort, since the layer that just
// failed has to record the failure too.
func (o *Orchestrator) surfaceFatal(ctx context.Context, runID int64, cause error) {
	if err := o.failRun(ctx, runID, fmt.Sprintf("run halted: %v", cause)); err != nil {
		o.logger.Error("failed to record fatal run failure",
			zap.Int64("run_id", runID),
			zap.Error(err))
	}
}

// dispatchStep claims a pending step and hands it to the job backend,
// enforcing the budget first.
func (o *Orchestrator) dispatchStep(ctx context.Context, runID, stepID int64) error {
	run, err := o.store.GetProtocolRun(runID)
	if err != nil {
		return err
	}
	step, err := o.store.GetStepRun(stepID)
	if err != nil {
		return err
	}
	if run == nil || step == nil {
		return types.NewError(types.ErrValidation, "run or step not found")
	}
	if run.Status != types.ProtocolRunning {
		o.logger.Info("skipping dispatch, run not running",
			zap.Int64("run_id", runID),
			zap.String("status", string(run.Status)))
		return nil
	}

	verdict, err := o.guard.Check(run, step.StepType)
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return o.applyBudgetStop(ctx, run, step, verdict)
	}

	claimed, err := o.store.ClaimStep(stepID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another dispatcher got it, or a sibling step is still running.
		o.logger.Info("step claim lost", zap.Int64("step_run_id", stepID))
		return nil
	}

	binding, err := o.store.ResolveAgentBinding(run.ProjectID, string(step.StepType))
	if err != nil {
		return err
	}

	step, err = o.store.GetStepRun(stepID)
	if err != nil {
		return err
	}
	ref, err := o.backend.Dispatch(ctx, backend.Dispatch{
		Run:          run,
		Step:         step,
		WorktreePath: run.WorktreePath,
		Binding:      binding,
	})
	if err != nil {
		// Undo the claim so recovery can redispatch.
		if _, terr := o.store.TransitionStep(stepID, types.StepRunning, types.StepPending, nil); terr != nil {
			o.logger.Error("failed to release claimed step", zap.Int64("step_run_id", stepID), zap.Error(terr))
		}
		return types.WrapError(types.ErrBackendUnavailable, "step dispatch failed", err)
	}

	if err := o.withRetry("set job reference", func() error {
		return o.store.SetStepJobReference(stepID, ref.String())
	}); err != nil {
		o.logger.Error("failed to persist job reference", zap.Int64("step_run_id", stepID), zap.Error(err))
	}

	return o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		StepRunID:     stepID,
		EventType:     events.TypeStepDispatched,
		Message:       fmt.Sprintf("step %q dispatched", step.StepName),
		Metadata:      map[string]any{"job_reference": ref.String(), "step_index": step.StepIndex},
	})
}

func (o *Orchestrator) applyBudgetStop(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, verdict budget.Verdict) error {
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeBudgetExceeded,
		Message: fmt.Sprintf("dispatch of %q would exceed %s budget (%d+%d > %d)",
			step.StepName, verdict.Scope, verdict.Consumed, verdict.Estimate, verdict.Ceiling),
		Metadata: map[string]any{
			"scope":    string(verdict.Scope),
			"consumed": verdict.Consumed,
			"ceiling":  verdict.Ceiling,
			"estimate": verdict.Estimate,
		},
	}); err != nil {
		return err
	}

	switch o.guard.Severity() {
	case budget.SeverityFail:
		return o.failRun(ctx, run.ID, "budget exceeded")
	default:
		return o.pauseRunInternal(ctx, run.ID, "budget exceeded")
	}
}

// HandleStepCompletion ingests a worker's result for a step. Terminal
// steps make this a no-op, so redelivery by the backend is harmless.
func (o *Orchestrator) HandleStepCompletion(ctx context.Context, stepRunID int64, result types.StepResult) error {
	step, err := o.store.GetStepRun(stepRunID)
	if err != nil {
		return err
	}
	if step == nil {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("step run %d not found", stepRunID))
	}
	if step.Status.Terminal() {
		o.logger.Info("duplicate completion ignored",
			zap.Int64("step_run_id", stepRunID),
			zap.String("status", string(step.Status)))
		return nil
	}

	run, err := o.store.GetProtocolRun(step.ProtocolRunID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return o.recordLateCompletion(ctx, run, step, result)
	}

	if result.Success {
		err = o.handleSuccess(ctx, run, step, result)
	} else {
		err = o.handleFailure(ctx, run, step, result)
	}
	if err != nil && types.KindOf(err) == "" {
		o.surfaceFatal(ctx, run.ID, err)
	}
	return err
}

// recordLateCompletion finalizes a step whose run already reached a
// terminal state. The step outcome and an audit event are recorded; the
// run is left untouched and nothing new is dispatched.
func (o *Orchestrator) recordLateCompletion(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, result types.StepResult) error {
	final := types.StepFailed
	if result.Success {
		final = types.StepSucceeded
	}
	ok, err := o.store.TransitionStep(step.ID, step.Status, final, &db.StepUpdate{
		Summary:      result.Summary,
		JobReference: result.JobReference,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if result.Success {
		if err := o.guard.Record(run, result.Consumed); err != nil {
			return err
		}
	}
	return o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeLateCompletion,
		Message: fmt.Sprintf("step %q finished after run reached %s",
			step.StepName, run.Status),
		Metadata: map[string]any{"success": result.Success},
	})
}

func (o *Orchestrator) handleSuccess(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, result types.StepResult) error {
	ok, err := o.store.TransitionStep(step.ID, types.StepRunning, types.StepSucceeded, &db.StepUpdate{
		Summary:      result.Summary,
		JobReference: result.JobReference,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Concurrent delivery won the race; nothing left to do.
		return nil
	}

	if err := o.withRetry("record consumption", func() error {
		return o.guard.Record(run, result.Consumed)
	}); err != nil {
		return err
	}

	if err := o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeStepSucceeded,
		Message:       fmt.Sprintf("step %q succeeded", step.StepName),
		Metadata:      map[string]any{"step_index": step.StepIndex, "consumed": result.Consumed},
	}); err != nil {
		return err
	}

	// Re-read: the run may have been paused or cancelled while the step
	// was in flight.
	run, err = o.store.GetProtocolRun(run.ID)
	if err != nil {
		return err
	}
	if run.Status != types.ProtocolRunning {
		o.logger.Info("run not running, holding advancement",
			zap.Int64("run_id", run.ID),
			zap.String("status", string(run.Status)))
		return nil
	}
	return o.advance(ctx, run, step)
}

// advance creates and dispatches the next planned step, or completes the
// run when the plan is exhausted.
func (o *Orchestrator) advance(ctx context.Context, run *types.ProtocolRun, step *types.StepRun) error {
	next := step.StepIndex + 1
	if next >= len(run.Plan) {
		ok, err := o.store.TransitionProtocol(run.ID, types.ProtocolRunning, types.ProtocolCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return o.appendEvent(&types.Event{
			ProtocolRunID: run.ID,
			EventType:     events.TypeRunCompleted,
			Message:       fmt.Sprintf("all %d steps completed", len(run.Plan)),
		})
	}

	nextStep, err := o.store.CreateStepRun(run.ID, run.Plan[next])
	if err != nil {
		return err
	}
	return o.dispatchStep(ctx, run.ID, nextStep.ID)
}

func (o *Orchestrator) handleFailure(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, result types.StepResult) error {
	steps, err := o.store.ListStepRuns(run.ID)
	if err != nil {
		return err
	}
	fires, err := o.triggerFires(run.ID)
	if err != nil {
		return err
	}
	decision := o.engine.OnStepFailure(step, steps, fires)

	switch decision.Action {
	case policy.ActionRetry:
		return o.applyRetry(ctx, run, step, result, decision)
	default:
		ok, err := o.store.TransitionStep(step.ID, types.StepRunning, types.StepFailed, &db.StepUpdate{
			Summary:      result.Summary,
			JobReference: result.JobReference,
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := o.appendEvent(&types.Event{
			ProtocolRunID: run.ID,
			StepRunID:     step.ID,
			EventType:     events.TypeStepFailed,
			Message:       fmt.Sprintf("step %q failed: %s", step.StepName, result.Summary),
			Metadata:      map[string]any{"step_index": step.StepIndex, "retries": step.Retries},
		}); err != nil {
			return err
		}
		return o.applyTriggerDecision(ctx, run, step, decision)
	}
}

func (o *Orchestrator) applyRetry(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, result types.StepResult, decision policy.Decision) error {
	ok, err := o.store.TransitionStep(step.ID, types.StepRunning, types.StepRetrying, &db.StepUpdate{
		Summary:          result.Summary,
		JobReference:     result.JobReference,
		IncrementRetries: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeStepRetrying,
		Message:       decision.Reason,
		Metadata:      map[string]any{"step_index": step.StepIndex},
	}); err != nil {
		return err
	}
	if _, err := o.store.TransitionStep(step.ID, types.StepRetrying, types.StepPending, nil); err != nil {
		return err
	}

	if decision.Delay <= 0 {
		return o.dispatchStep(ctx, run.ID, step.ID)
	}
	redispatch := context.WithoutCancel(ctx)
	time.AfterFunc(decision.Delay, func() {
		if err := o.dispatchStep(redispatch, run.ID, step.ID); err != nil {
			o.logger.Error("delayed redispatch failed",
				zap.Int64("step_run_id", step.ID),
				zap.Error(err))
		}
	})
	return nil
}

func (o *Orchestrator) applyTriggerDecision(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, decision policy.Decision) error {
	if decision.RuleIndex >= 0 {
		if err := o.appendEvent(&types.Event{
			ProtocolRunID: run.ID,
			StepRunID:     step.ID,
			EventType:     "trigger_fired",
			Message:       decision.Reason,
			Metadata:      map[string]any{"rule_index": decision.RuleIndex},
		}); err != nil {
			return err
		}
	}

	switch decision.Action {
	case policy.ActionFailRun:
		return o.failRun(ctx, run.ID, decision.Reason)
	case policy.ActionPauseRun:
		return o.pauseRunInternal(ctx, run.ID, decision.Reason)
	case policy.ActionStepBack:
		return o.applyStepBack(ctx, run, step, decision)
	case policy.ActionInsertStep:
		return o.applyInsertStep(ctx, run, step, decision)
	}
	return types.NewError(types.ErrPolicyConfig,
		fmt.Sprintf("unhandled policy action %q", decision.Action))
}

// applyStepBack re-queues the plan segment from the rewind target through
// the failed step. Executed history is never rewritten; the segment is
// replayed as fresh plan entries after the current position.
func (o *Orchestrator) applyStepBack(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, decision policy.Decision) error {
	target := step.StepIndex - decision.StepBack
	if target < 0 {
		target = 0
	}

	cur := step.StepIndex
	segment := append([]types.StepSpec{}, run.Plan[target:cur+1]...)
	newPlan := make([]types.StepSpec, 0, len(run.Plan)+len(segment))
	newPlan = append(newPlan, run.Plan[:cur+1]...)
	newPlan = append(newPlan, segment...)
	newPlan = append(newPlan, run.Plan[cur+1:]...)

	if err := o.withRetry("update plan", func() error {
		return o.store.UpdateProtocolPlan(run.ID, newPlan)
	}); err != nil {
		return err
	}
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeStepSteppedBack,
		Message:       decision.Reason,
		Metadata:      map[string]any{"target_index": target, "replayed": len(segment)},
	}); err != nil {
		return err
	}

	nextStep, err := o.store.CreateStepRun(run.ID, newPlan[cur+1])
	if err != nil {
		return err
	}
	return o.dispatchStep(ctx, run.ID, nextStep.ID)
}

func (o *Orchestrator) applyInsertStep(ctx context.Context, run *types.ProtocolRun, step *types.StepRun, decision policy.Decision) error {
	if decision.Insert == nil || !decision.Insert.Type.Valid() {
		// Policy config errors fail closed: hold the run for an operator.
		return o.pauseRunInternal(ctx, run.ID,
			fmt.Sprintf("trigger rule %d inserts unknown step type", decision.RuleIndex))
	}

	cur := step.StepIndex
	newPlan := make([]types.StepSpec, 0, len(run.Plan)+1)
	newPlan = append(newPlan, run.Plan[:cur+1]...)
	newPlan = append(newPlan, *decision.Insert)
	newPlan = append(newPlan, run.Plan[cur+1:]...)

	if err := o.withRetry("update plan", func() error {
		return o.store.UpdateProtocolPlan(run.ID, newPlan)
	}); err != nil {
		return err
	}
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		EventType:     events.TypeStepInserted,
		Message:       decision.Reason,
		Metadata:      map[string]any{"step_name": decision.Insert.Name, "step_type": string(decision.Insert.Type)},
	}); err != nil {
		return err
	}

	nextStep, err := o.store.CreateStepRun(run.ID, *decision.Insert)
	if err != nil {
		return err
	}
	return o.dispatchStep(ctx, run.ID, nextStep.ID)
}

// triggerFires counts how many times each trigger rule already fired for
// a run, from the audit trail.
func (o *Orchestrator) triggerFires(runID int64) (map[int]int, error) {
	evs, err := o.store.ListEvents(runID)
	if err != nil {
		return nil, err
	}
	fires := make(map[int]int)
	for _, ev := range evs {
		if ev.EventType != "trigger_fired" {
			continue
		}
		if raw, ok := ev.Metadata["rule_index"]; ok {
			switch v := raw.(type) {
			case float64:
				fires[int(v)]++
			case json.Number:
				if n, err := v.Int64(); err == nil {
					fires[int(n)]++
				}
			case int:
				fires[v]++
			}
		}
	}
	return fires, nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID int64, reason string) error {
	run, err := o.store.GetProtocolRun(runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status.Terminal() {
		return nil
	}
	ok, err := o.store.TransitionProtocol(runID, run.Status, types.ProtocolFailed)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := o.store.CancelPendingSteps(runID); err != nil {
		return err
	}
	return o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		EventType:     events.TypeRunFailed,
		Message:       reason,
	})
}

func (o *Orchestrator) pauseRunInternal(ctx context.Context, runID int64, reason string) error {
	ok, err := o.store.TransitionProtocol(runID, types.ProtocolRunning, types.ProtocolPaused)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		EventType:     events.TypeRunPaused,
		Message:       reason,
	})
}

// PauseRun pauses a running run. The in-flight step, if any, keeps
// running; its completion is recorded but nothing further is dispatched
// until resume.
func (o *Orchestrator) PauseRun(ctx context.Context, runID int64) error {
	ok, err := o.store.TransitionProtocol(runID, types.ProtocolRunning, types.ProtocolPaused)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.ErrStateConflict,
			fmt.Sprintf("run %d is not running", runID))
	}
	return o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		EventType:     events.TypeRunPaused,
		Message:       "paused by operator",
	})
}

// ResumeRun moves a paused run back to running and picks up where it
// stopped: a pending step is redispatched, a completed tail advances,
// and a failed tail is replayed as a fresh plan entry.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID int64) error {
	ok, err := o.store.TransitionProtocol(runID, types.ProtocolPaused, types.ProtocolRunning)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.ErrStateConflict,
			fmt.Sprintf("run %d is not paused", runID))
	}
	if err := o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		EventType:     events.TypeRunResumed,
	}); err != nil {
		return err
	}

	run, err := o.store.GetProtocolRun(runID)
	if err != nil {
		return err
	}
	steps, err := o.store.ListStepRuns(runID)
	if err != nil {
		return err
	}

	if len(steps) == 0 {
		step, err := o.store.CreateStepRun(runID, run.Plan[0])
		if err != nil {
			return err
		}
		return o.dispatchStep(ctx, runID, step.ID)
	}

	last := steps[len(steps)-1]
	switch last.Status {
	case types.StepRunning:
		// Completion is still in flight; it will advance the run.
		return nil
	case types.StepPending, types.StepRetrying:
		return o.dispatchStep(ctx, runID, last.ID)
	case types.StepSucceeded:
		return o.advance(ctx, run, last)
	default:
		// Failed or cancelled tail: replay its plan entry so the
		// operator's intervention gets a fresh attempt.
		cur := last.StepIndex
		if cur >= len(run.Plan) {
			return o.failRun(ctx, runID, "resume found no plan entry to replay")
		}
		newPlan := make([]types.StepSpec, 0, len(run.Plan)+1)
		newPlan = append(newPlan, run.Plan[:cur+1]...)
		newPlan = append(newPlan, run.Plan[cur])
		newPlan = append(newPlan, run.Plan[cur+1:]...)
		if err := o.withRetry("update plan", func() error {
			return o.store.UpdateProtocolPlan(runID, newPlan)
		}); err != nil {
			return err
		}
		step, err := o.store.CreateStepRun(runID, run.Plan[cur])
		if err != nil {
			return err
		}
		return o.dispatchStep(ctx, runID, step.ID)
	}
}

// CancelRun cancels a non-terminal run. Pending steps are cancelled; a
// running step is left to finish so its late completion can still be
// recorded against the cancelled run.
func (o *Orchestrator) CancelRun(ctx context.Context, runID int64) error {
	run, err := o.store.GetProtocolRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("protocol run %d not found", runID))
	}
	if run.Status == types.ProtocolCancelled {
		return nil
	}
	if run.Status.Terminal() {
		return types.NewError(types.ErrStateConflict,
			fmt.Sprintf("run %d is already %s", runID, run.Status))
	}

	ok, err := o.store.TransitionProtocol(runID, run.Status, types.ProtocolCancelled)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race; re-check whether someone else cancelled.
		current, err := o.store.GetProtocolRun(runID)
		if err != nil {
			return err
		}
		if current != nil && current.Status == types.ProtocolCancelled {
			return nil
		}
		return types.NewError(types.ErrStateConflict,
			fmt.Sprintf("run %d changed state during cancel", runID))
	}

	cancelled, err := o.store.CancelPendingSteps(runID)
	if err != nil {
		return err
	}
	return o.appendEvent(&types.Event{
		ProtocolRunID: runID,
		EventType:     events.TypeRunCancelled,
		Message:       fmt.Sprintf("%d pending steps cancelled", cancelled),
	})
}

// ResolveReference fetches the artifact behind a job reference string.
func (o *Orchestrator) ResolveReference(ctx context.Context, raw string) (string, error) {
	ref, ok := jobref.Parse(raw)
	if !ok {
		return "", types.NewError(types.ErrParse,
			fmt.Sprintf("not a job reference: %q", raw))
	}
	return o.backend.Resolve(ctx, ref)
}

// RecoverStuckRuns scans running runs whose dispatch was lost (process
// crash between persist and dispatch) and nudges them forward.
func (o *Orchestrator) RecoverStuckRuns(ctx context.Context) (int, error) {
	runs, err := o.store.ListProtocolRunsByStatus(types.ProtocolRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range runs {
		steps, err := o.store.ListStepRuns(run.ID)
		if err != nil {
			return recovered, err
		}

		var pending *types.StepRun
		inFlight := false
		for _, s := range steps {
			switch s.Status {
			case types.StepRunning:
				inFlight = true
			case types.StepPending, types.StepRetrying:
				if pending == nil {
					pending = s
				}
			}
		}
		if inFlight {
			continue
		}

		nudged := false
		switch {
		case pending != nil:
			if err := o.dispatchStep(ctx, run.ID, pending.ID); err != nil {
				return recovered, err
			}
			nudged = true
		case len(steps) == 0:
			step, err := o.store.CreateStepRun(run.ID, run.Plan[0])
			if err != nil {
				return recovered, err
			}
			if err := o.dispatchStep(ctx, run.ID, step.ID); err != nil {
				return recovered, err
			}
			nudged = true
		default:
			last := steps[len(steps)-1]
			switch last.Status {
			case types.StepSucceeded:
				if err := o.advance(ctx, run, last); err != nil {
					return recovered, err
				}
				nudged = true
			case types.StepFailed, types.StepCancelled:
				// A crash between the step's terminal transition and the
				// policy decision strands the run. Hold it for an operator
				// rather than guessing what the policy would have done.
				if err := o.pauseRunInternal(ctx, run.ID,
					fmt.Sprintf("recovered with step %d already failed", last.StepIndex)); err != nil {
					return recovered, err
				}
				nudged = true
			}
		}

		if nudged {
			recovered++
			if err := o.appendEvent(&types.Event{
				ProtocolRunID: run.ID,
				EventType:     events.TypeRunRecovered,
			}); err != nil {
				return recovered, err
			}
		}
	}
	return recovered, nil
}
