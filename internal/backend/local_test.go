package backend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/muster/internal/backend"
	"github.com/cloud-shuttle/muster/internal/jobref"
	"github.com/cloud-shuttle/muster/internal/logging"
	"github.com/cloud-shuttle/muster/pkg/types"
)

type resultExecutor struct {
	result types.StepResult
}

func (e *resultExecutor) ExecuteStep(ctx context.Context, d backend.Dispatch) types.StepResult {
	return e.result
}

type recordingCompleter struct {
	mu      sync.Mutex
	results map[int64]types.StepResult
	done    chan struct{}
}

func newRecordingCompleter() *recordingCompleter {
	return &recordingCompleter{results: make(map[int64]types.StepResult), done: make(chan struct{}, 8)}
}

func (c *recordingCompleter) HandleStepCompletion(ctx context.Context, stepRunID int64, result types.StepResult) error {
	c.mu.Lock()
	c.results[stepRunID] = result
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *recordingCompleter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}
}

func testDispatch() backend.Dispatch {
	return backend.Dispatch{
		Run:  &types.ProtocolRun{ID: 1},
		Step: &types.StepRun{ID: 7, ProtocolRunID: 1, StepName: "execute", StepType: types.StepTypeExecute},
	}
}

func TestLocalBackend_DeliversCompletion(t *testing.T) {
	completer := newRecordingCompleter()
	be := backend.NewLocalBackend(
		&resultExecutor{result: types.StepResult{Success: true, Summary: "did the thing"}},
		completer, logging.Nop())
	defer be.Close()

	ref, err := be.Dispatch(context.Background(), testDispatch())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	completer.wait(t)

	completer.mu.Lock()
	result, ok := completer.results[7]
	completer.mu.Unlock()
	if !ok {
		t.Fatal("Completion not delivered for step 7")
	}
	if !result.Success || result.Summary != "did the thing" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.JobReference != ref.String() {
		t.Errorf("Result carries reference %q, dispatch returned %q", result.JobReference, ref)
	}
}

func TestLocalBackend_ResolveArtifacts(t *testing.T) {
	completer := newRecordingCompleter()
	be := backend.NewLocalBackend(
		&resultExecutor{result: types.StepResult{Success: false, Summary: "it broke"}},
		completer, logging.Nop())
	defer be.Close()

	ref, err := be.Dispatch(context.Background(), testDispatch())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	completer.wait(t)

	errText, err := be.Resolve(context.Background(), jobref.Reference{JobID: ref.JobID, Resource: jobref.ResourceError})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if errText != "it broke" {
		t.Errorf("Expected error artifact, got %q", errText)
	}

	result, err := be.Resolve(context.Background(), jobref.Reference{JobID: ref.JobID, Resource: jobref.ResourceResult})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result != "" {
		t.Errorf("Failed job should have empty result, got %q", result)
	}
}

func TestLocalBackend_ResolveUnknownJob(t *testing.T) {
	be := backend.NewLocalBackend(&resultExecutor{}, newRecordingCompleter(), logging.Nop())
	defer be.Close()

	_, err := be.Resolve(context.Background(), jobref.New("no-such-job"))
	if err == nil {
		t.Fatal("Expected error for unknown job")
	}
	if types.KindOf(err) != types.ErrValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestMux_RoutesByStepType(t *testing.T) {
	scripted := &resultExecutor{result: types.StepResult{Success: true, Summary: "script"}}
	fallback := &resultExecutor{result: types.StepResult{Success: true, Summary: "agent"}}
	mux := &backend.Mux{
		Handlers: map[types.StepType]backend.StepExecutor{types.StepTypePlan: scripted},
		Default:  fallback,
	}

	d := testDispatch()
	d.Step.StepType = types.StepTypePlan
	if got := mux.ExecuteStep(context.Background(), d); got.Summary != "script" {
		t.Errorf("Expected script handler, got %q", got.Summary)
	}
	d.Step.StepType = types.StepTypeOpenPR
	if got := mux.ExecuteStep(context.Background(), d); got.Summary != "agent" {
		t.Errorf("Expected fallback handler, got %q", got.Summary)
	}
}
