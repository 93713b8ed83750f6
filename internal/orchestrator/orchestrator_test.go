package orchestrator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloud-shuttle/muster/internal/backend"
	"github.com/cloud-shuttle/muster/internal/budget"
	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/events"
	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/internal/logging"
	"github.com/cloud-shuttle/muster/internal/orchestrator"
	"github.com/cloud-shuttle/muster/internal/policy"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// fakeBackend records dispatches; tests deliver completions themselves.
type fakeBackend struct {
	mu         sync.Mutex
	dispatched []int64
	next       int
}

func (f *fakeBackend) Dispatch(ctx context.Context, d backend.Dispatch) (jobref.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, d.Step.ID)
	f.next++
	return jobref.New(fmt.Sprintf("job-%d", f.next)), nil
}

func (f *fakeBackend) Resolve(ctx context.Context, ref jobref.Reference) (string, error) {
	return "", nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) dispatches() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.dispatched...)
}

type stubWorktrees struct{ store *db.Store }

func (s *stubWorktrees) Prepare(ctx context.Context, run *types.ProtocolRun) (string, error) {
	path := fmt.Sprintf("/tmp/wt-%d", run.ID)
	if _, err := s.store.SetProtocolWorktree(run.ID, path); err != nil {
		return "", err
	}
	return path, nil
}

type fixture struct {
	store *db.Store
	orch  *orchestrator.Orchestrator
	be    *fakeBackend
	run   *types.ProtocolRun
}

func setup(t *testing.T, polCfg config.PolicyConfig, budCfg config.BudgetConfig, plan []types.StepSpec) *fixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if budCfg.Severity == "" {
		budCfg.Severity = "pause"
	}
	if budCfg.DefaultStepCost == 0 {
		budCfg.DefaultStepCost = 1
	}

	logger := logging.Nop()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	orch := orchestrator.New(store, bus,
		policy.NewEngine(polCfg),
		budget.NewGuard(store, budCfg, logger),
		&stubWorktrees{store: store},
		3, logger)

	be := &fakeBackend{}
	orch.SetBackend(be)

	project, err := store.CreateProject(&types.Project{Name: "p", BaseBranch: "main"})
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	run, err := orch.CreateRun(context.Background(), &types.ProtocolRun{
		ProjectID:    project.ID,
		ProtocolName: "feature",
		Plan:         plan,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	return &fixture{store: store, orch: orch, be: be, run: run}
}

func (f *fixture) mustStart(t *testing.T) {
	t.Helper()
	if err := f.orch.StartRun(context.Background(), f.run.ID); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
}

func (f *fixture) complete(t *testing.T, stepID int64, result types.StepResult) {
	t.Helper()
	if err := f.orch.HandleStepCompletion(context.Background(), stepID, result); err != nil {
		t.Fatalf("HandleStepCompletion failed: %v", err)
	}
}

func (f *fixture) runStatus(t *testing.T) types.ProtocolStatus {
	t.Helper()
	run, err := f.store.GetProtocolRun(f.run.ID)
	if err != nil {
		t.Fatalf("GetProtocolRun failed: %v", err)
	}
	return run.Status
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	evs, err := f.store.ListEvents(f.run.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventType
	}
	return out
}

func hasEvent(evs []string, want string) bool {
	for _, e := range evs {
		if e == want {
			return true
		}
	}
	return false
}

func twoStepPlan() []types.StepSpec {
	return []types.StepSpec{
		{Name: "plan", Type: types.StepTypePlan},
		{Name: "execute", Type: types.StepTypeExecute},
	}
}

func TestRun_HappyPath(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	dispatched := f.be.dispatches()
	if len(dispatched) != 1 {
		t.Fatalf("Expected 1 dispatch after start, got %d", len(dispatched))
	}
	f.complete(t, dispatched[0], types.StepResult{Success: true, Summary: "planned", Consumed: 1})

	dispatched = f.be.dispatches()
	if len(dispatched) != 2 {
		t.Fatalf("Expected advancement to dispatch step 2, got %d dispatches", len(dispatched))
	}
	f.complete(t, dispatched[1], types.StepResult{Success: true, Summary: "done", Consumed: 1})

	if got := f.runStatus(t); got != types.ProtocolCompleted {
		t.Errorf("Expected completed run, got %s", got)
	}

	steps, _ := f.store.ListStepRuns(f.run.ID)
	if len(steps) != 2 {
		t.Fatalf("Expected 2 step runs, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepIndex != i || s.Status != types.StepSucceeded {
			t.Errorf("Step %d: index=%d status=%s", i, s.StepIndex, s.Status)
		}
	}

	evs := f.eventTypes(t)
	for _, want := range []string{events.TypeRunCreated, events.TypeRunStarted, events.TypeStepDispatched, events.TypeStepSucceeded, events.TypeRunCompleted} {
		if !hasEvent(evs, want) {
			t.Errorf("Missing event %s in %v", want, evs)
		}
	}
}

func TestHandleStepCompletion_Idempotent(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	stepID := f.be.dispatches()[0]
	f.complete(t, stepID, types.StepResult{Success: true, Consumed: 1})

	evsBefore := f.eventTypes(t)
	dispatchesBefore := len(f.be.dispatches())

	// Redelivery, even with a contradictory outcome, changes nothing.
	f.complete(t, stepID, types.StepResult{Success: false, Summary: "late duplicate"})

	if got := f.eventTypes(t); len(got) != len(evsBefore) {
		t.Errorf("Duplicate completion appended events: %v vs %v", got, evsBefore)
	}
	if got := len(f.be.dispatches()); got != dispatchesBefore {
		t.Errorf("Duplicate completion triggered dispatch: %d vs %d", got, dispatchesBefore)
	}
	step, _ := f.store.GetStepRun(stepID)
	if step.Status != types.StepSucceeded {
		t.Errorf("Duplicate completion changed status to %s", step.Status)
	}
}

func TestRun_RetryThenExhaustion(t *testing.T) {
	f := setup(t, config.PolicyConfig{
		Loop: map[string]config.RetryRule{"plan": {MaxRetries: 1}},
	}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	stepID := f.be.dispatches()[0]
	f.complete(t, stepID, types.StepResult{Success: false, Summary: "flaky"})

	// The retry redispatches the same step run.
	dispatched := f.be.dispatches()
	if len(dispatched) != 2 || dispatched[1] != stepID {
		t.Fatalf("Expected redispatch of step %d, got %v", stepID, dispatched)
	}
	step, _ := f.store.GetStepRun(stepID)
	if step.Retries != 1 || step.Status != types.StepRunning {
		t.Errorf("Expected retries=1 running, got retries=%d status=%s", step.Retries, step.Status)
	}

	// Second failure exhausts the rule; no triggers configured, run fails.
	f.complete(t, stepID, types.StepResult{Success: false, Summary: "still broken"})

	if got := f.runStatus(t); got != types.ProtocolFailed {
		t.Errorf("Expected failed run, got %s", got)
	}
	step, _ = f.store.GetStepRun(stepID)
	if step.Status != types.StepFailed {
		t.Errorf("Expected failed step, got %s", step.Status)
	}
	if got := len(f.be.dispatches()); got != 2 {
		t.Errorf("Retry count property violated: %d dispatches for max_retries=1", got)
	}
	evs := f.eventTypes(t)
	if !hasEvent(evs, events.TypeStepRetrying) || !hasEvent(evs, events.TypeRunFailed) {
		t.Errorf("Missing retry/failure events: %v", evs)
	}
}

func TestRun_RetryThenSuccess(t *testing.T) {
	f := setup(t, config.PolicyConfig{
		Loop: map[string]config.RetryRule{"plan": {MaxRetries: 2}},
	}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	stepID := f.be.dispatches()[0]
	f.complete(t, stepID, types.StepResult{Success: false, Summary: "flaky"})
	f.complete(t, stepID, types.StepResult{Success: false, Summary: "flaky again"})
	f.complete(t, stepID, types.StepResult{Success: true, Summary: "third time"})

	step, _ := f.store.GetStepRun(stepID)
	if step.Retries != 2 || step.Status != types.StepSucceeded {
		t.Errorf("Expected retries=2 succeeded, got retries=%d status=%s", step.Retries, step.Status)
	}

	// The run advances past the flaky step and completes normally.
	dispatched := f.be.dispatches()
	if len(dispatched) != 4 {
		t.Fatalf("Expected 3 plan dispatches + 1 execute, got %d", len(dispatched))
	}
	f.complete(t, dispatched[3], types.StepResult{Success: true, Summary: "done"})
	if got := f.runStatus(t); got != types.ProtocolCompleted {
		t.Errorf("Expected completed run, got %s", got)
	}
}

func TestRun_TriggerStepBack(t *testing.T) {
	plan := []types.StepSpec{
		{Name: "plan", Type: types.StepTypePlan},
		{Name: "execute", Type: types.StepTypeExecute},
		{Name: "quality", Type: types.StepTypeQuality},
	}
	f := setup(t, config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", StepType: "quality", Action: "step_back", StepBack: 1},
		},
	}, config.BudgetConfig{}, plan)
	f.mustStart(t)

	// Walk to the quality step.
	f.complete(t, f.be.dispatches()[0], types.StepResult{Success: true})
	f.complete(t, f.be.dispatches()[1], types.StepResult{Success: true})

	qualityID := f.be.dispatches()[2]
	f.complete(t, qualityID, types.StepResult{Success: false, Summary: "checks failed"})

	// The rewind replays execute as a fresh step at the next index.
	steps, _ := f.store.ListStepRuns(f.run.ID)
	if len(steps) != 4 {
		t.Fatalf("Expected 4 steps after step_back, got %d", len(steps))
	}
	replay := steps[3]
	if replay.StepType != types.StepTypeExecute || replay.StepIndex != 3 {
		t.Errorf("Expected execute replay at index 3, got %s at %d", replay.StepType, replay.StepIndex)
	}
	if f.runStatus(t) != types.ProtocolRunning {
		t.Errorf("Run should still be running after step_back")
	}

	// History is append-only: the failed quality step keeps its record.
	quality, _ := f.store.GetStepRun(qualityID)
	if quality.Status != types.StepFailed {
		t.Errorf("Original quality step rewritten: %s", quality.Status)
	}

	// Finishing the replayed segment reaches quality again and completes.
	f.complete(t, f.be.dispatches()[3], types.StepResult{Success: true})
	f.complete(t, f.be.dispatches()[4], types.StepResult{Success: true})
	if got := f.runStatus(t); got != types.ProtocolCompleted {
		t.Errorf("Expected completed run after replay, got %s", got)
	}
}

func TestRun_TriggerStepBack_FiresOnce(t *testing.T) {
	plan := []types.StepSpec{{Name: "quality", Type: types.StepTypeQuality}}
	f := setup(t, config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", StepType: "quality", Action: "step_back", StepBack: 1},
		},
	}, config.BudgetConfig{}, plan)
	f.mustStart(t)

	f.complete(t, f.be.dispatches()[0], types.StepResult{Success: false})
	if f.runStatus(t) != types.ProtocolRunning {
		t.Fatal("Expected rule to fire and keep the run alive")
	}

	// Second quality failure: rule is spent, run fails.
	f.complete(t, f.be.dispatches()[1], types.StepResult{Success: false})
	if got := f.runStatus(t); got != types.ProtocolFailed {
		t.Errorf("Expected run failed once the rule is spent, got %s", got)
	}
}

func TestRun_TriggerInsertStep(t *testing.T) {
	f := setup(t, config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", Action: "insert_step", InsertStepName: "remediate", InsertStepType: "quality"},
		},
	}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	f.complete(t, f.be.dispatches()[0], types.StepResult{Success: false})

	steps, _ := f.store.ListStepRuns(f.run.ID)
	if len(steps) != 2 {
		t.Fatalf("Expected inserted step, got %d steps", len(steps))
	}
	inserted := steps[1]
	if inserted.StepName != "remediate" || inserted.StepType != types.StepTypeQuality {
		t.Errorf("Unexpected inserted step: %+v", inserted)
	}

	// After the remediation succeeds, the original plan continues.
	f.complete(t, f.be.dispatches()[1], types.StepResult{Success: true})
	steps, _ = f.store.ListStepRuns(f.run.ID)
	if len(steps) != 3 || steps[2].StepType != types.StepTypeExecute {
		t.Fatalf("Expected execute after remediation, got %+v", steps)
	}
}

func TestRun_BudgetPauseAndResume(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{
		RunCeiling:      1,
		Severity:        "pause",
		DefaultStepCost: 1,
	}, twoStepPlan())
	f.mustStart(t)

	// Step one consumes the whole ceiling.
	f.complete(t, f.be.dispatches()[0], types.StepResult{Success: true, Consumed: 1})

	if got := f.runStatus(t); got != types.ProtocolPaused {
		t.Fatalf("Expected budget pause, got %s", got)
	}
	if !hasEvent(f.eventTypes(t), events.TypeBudgetExceeded) {
		t.Error("Missing budget_exceeded event")
	}
	if got := len(f.be.dispatches()); got != 1 {
		t.Fatalf("Blocked step must not be dispatched, got %d dispatches", got)
	}

	// Operator raises the ceiling and resumes; the pending step goes out.
	if err := f.store.SetBudgetCeiling(types.BudgetScopeRun, f.run.ID, 10); err != nil {
		t.Fatalf("SetBudgetCeiling failed: %v", err)
	}
	if err := f.orch.ResumeRun(context.Background(), f.run.ID); err != nil {
		t.Fatalf("ResumeRun failed: %v", err)
	}
	dispatched := f.be.dispatches()
	if len(dispatched) != 2 {
		t.Fatalf("Expected resume to dispatch the held step, got %d", len(dispatched))
	}
	f.complete(t, dispatched[1], types.StepResult{Success: true, Consumed: 1})
	if got := f.runStatus(t); got != types.ProtocolCompleted {
		t.Errorf("Expected completed run, got %s", got)
	}
}

func TestRun_BudgetFailSeverity(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{
		RunCeiling:      1,
		Severity:        "fail",
		DefaultStepCost: 1,
	}, twoStepPlan())
	f.mustStart(t)

	f.complete(t, f.be.dispatches()[0], types.StepResult{Success: true, Consumed: 1})
	if got := f.runStatus(t); got != types.ProtocolFailed {
		t.Errorf("Expected failed run under fail severity, got %s", got)
	}
}

func TestCancelRun_LateCompletion(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	stepID := f.be.dispatches()[0]
	if err := f.orch.CancelRun(context.Background(), f.run.ID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if got := f.runStatus(t); got != types.ProtocolCancelled {
		t.Fatalf("Expected cancelled run, got %s", got)
	}

	// The in-flight step reports afterwards: its outcome is recorded, the
	// run stays cancelled, nothing new is dispatched.
	f.complete(t, stepID, types.StepResult{Success: true, Summary: "finished anyway"})

	step, _ := f.store.GetStepRun(stepID)
	if step.Status != types.StepSucceeded || step.Summary != "finished anyway" {
		t.Errorf("Late completion not recorded: %+v", step)
	}
	if got := f.runStatus(t); got != types.ProtocolCancelled {
		t.Errorf("Late completion changed run status to %s", got)
	}
	if !hasEvent(f.eventTypes(t), events.TypeLateCompletion) {
		t.Error("Missing late_completion event")
	}
	if got := len(f.be.dispatches()); got != 1 {
		t.Errorf("Cancelled run dispatched new work: %d", got)
	}

	// Cancelling again is a no-op.
	if err := f.orch.CancelRun(context.Background(), f.run.ID); err != nil {
		t.Errorf("Repeat cancel should be a no-op, got %v", err)
	}
}

func TestPauseRun_HoldsAdvancement(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	stepID := f.be.dispatches()[0]
	if err := f.orch.PauseRun(context.Background(), f.run.ID); err != nil {
		t.Fatalf("PauseRun failed: %v", err)
	}

	f.complete(t, stepID, types.StepResult{Success: true})

	step, _ := f.store.GetStepRun(stepID)
	if step.Status != types.StepSucceeded {
		t.Errorf("Completion on paused run must still record, got %s", step.Status)
	}
	if got := len(f.be.dispatches()); got != 1 {
		t.Fatalf("Paused run advanced: %d dispatches", got)
	}

	if err := f.orch.ResumeRun(context.Background(), f.run.ID); err != nil {
		t.Fatalf("ResumeRun failed: %v", err)
	}
	if got := len(f.be.dispatches()); got != 2 {
		t.Errorf("Resume did not advance: %d dispatches", got)
	}
}

func TestStartRun_OnlyFromPending(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	err := f.orch.StartRun(context.Background(), f.run.ID)
	if err == nil {
		t.Fatal("Expected error starting an already-running run")
	}
	if types.KindOf(err) != types.ErrStateConflict {
		t.Errorf("Expected state conflict, got %v", err)
	}
}

func TestRecoverStuckRuns(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())

	// Simulate a crash after persisting but before dispatch: the run is
	// running with a pending step nobody picked up.
	if _, err := f.store.TransitionProtocol(f.run.ID, types.ProtocolPending, types.ProtocolRunning); err != nil {
		t.Fatalf("TransitionProtocol failed: %v", err)
	}
	if _, err := f.store.SetProtocolWorktree(f.run.ID, "/tmp/wt-recover"); err != nil {
		t.Fatalf("SetProtocolWorktree failed: %v", err)
	}
	if _, err := f.store.CreateStepRun(f.run.ID, f.run.Plan[0]); err != nil {
		t.Fatalf("CreateStepRun failed: %v", err)
	}

	n, err := f.orch.RecoverStuckRuns(context.Background())
	if err != nil {
		t.Fatalf("RecoverStuckRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered run, got %d", n)
	}
	if got := len(f.be.dispatches()); got != 1 {
		t.Errorf("Expected recovery to dispatch the pending step, got %d", got)
	}

	// A healthy run with work in flight is left alone.
	n, err = f.orch.RecoverStuckRuns(context.Background())
	if err != nil {
		t.Fatalf("RecoverStuckRuns failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no recovery for in-flight run, got %d", n)
	}
}

type brokenWorktrees struct{}

func (brokenWorktrees) Prepare(ctx context.Context, run *types.ProtocolRun) (string, error) {
	return "", fmt.Errorf("git worktree add: base branch not found")
}

func TestStartRun_WorktreeFailureFailsRun(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())

	logger := logging.Nop()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	broken := orchestrator.New(f.store, bus,
		policy.NewEngine(config.PolicyConfig{}),
		budget.NewGuard(f.store, config.BudgetConfig{Severity: "pause", DefaultStepCost: 1}, logger),
		brokenWorktrees{},
		3, logger)
	broken.SetBackend(f.be)

	err := broken.StartRun(context.Background(), f.run.ID)
	if err == nil {
		t.Fatal("Expected error when worktree preparation fails")
	}
	// The run must not sit running forever with no trace.
	if got := f.runStatus(t); got != types.ProtocolFailed {
		t.Errorf("Expected failed run, got %s", got)
	}
	if !hasEvent(f.eventTypes(t), events.TypeRunFailed) {
		t.Errorf("Missing run failure event: %v", f.eventTypes(t))
	}
	if got := len(f.be.dispatches()); got != 0 {
		t.Errorf("Expected no dispatch after worktree failure, got %d", got)
	}
}

func TestHandleStepCompletion_PersistenceFailureFailsRun(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)
	stepID := f.be.dispatches()[0]

	// Break the audit log out from under the engine; recording the
	// completion must still leave the run in a well-defined state.
	if _, err := f.store.DB().Exec(`DROP TABLE events`); err != nil {
		t.Fatalf("Failed to drop events table: %v", err)
	}

	err := f.orch.HandleStepCompletion(context.Background(), stepID, types.StepResult{Success: true, Summary: "done"})
	if err == nil {
		t.Fatal("Expected error when event persistence gives out")
	}
	if got := f.runStatus(t); got != types.ProtocolFailed {
		t.Errorf("Expected failed run after persistence failure, got %s", got)
	}
}

func TestRecoverStuckRuns_FailedTailPauses(t *testing.T) {
	f := setup(t, config.PolicyConfig{}, config.BudgetConfig{}, twoStepPlan())
	f.mustStart(t)

	// Simulate a crash after the step's failed transition but before the
	// policy decision landed: the run is running with a failed tail.
	stepID := f.be.dispatches()[0]
	ok, err := f.store.TransitionStep(stepID, types.StepRunning, types.StepFailed, nil)
	if err != nil || !ok {
		t.Fatalf("TransitionStep failed: ok=%v err=%v", ok, err)
	}

	n, err := f.orch.RecoverStuckRuns(context.Background())
	if err != nil {
		t.Fatalf("RecoverStuckRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered run, got %d", n)
	}
	if got := f.runStatus(t); got != types.ProtocolPaused {
		t.Errorf("Expected paused run, got %s", got)
	}
	if got := len(f.be.dispatches()); got != 1 {
		t.Errorf("Expected no new dispatch for a failed tail, got %d", got)
	}
	evs := f.eventTypes(t)
	if !hasEvent(evs, events.TypeRunPaused) || !hasEvent(evs, events.TypeRunRecovered) {
		t.Errorf("Missing recovery events: %v", evs)
	}
}
