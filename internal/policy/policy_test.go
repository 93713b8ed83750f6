package policy_test

import (
	"testing"
	"time"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/policy"
	"github.com/cloud-shuttle/muster/pkg/types"
)

func failedStep(index, retries int, stepType types.StepType) *types.StepRun {
	return &types.StepRun{
		ID:        int64(index + 1),
		StepIndex: index,
		StepName:  "step",
		StepType:  stepType,
		Status:    types.StepRunning,
		Retries:   retries,
	}
}

func TestEngine_RetryUntilExhausted(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Loop: map[string]config.RetryRule{
			"execute": {MaxRetries: 2, Delay: time.Second},
		},
	})

	step := failedStep(0, 0, types.StepTypeExecute)
	d := engine.OnStepFailure(step, nil, nil)
	if d.Action != policy.ActionRetry {
		t.Fatalf("Expected retry at 0/2, got %s", d.Action)
	}
	if d.Delay != time.Second {
		t.Errorf("Expected configured delay, got %v", d.Delay)
	}

	step.Retries = 1
	if d := engine.OnStepFailure(step, nil, nil); d.Action != policy.ActionRetry {
		t.Fatalf("Expected retry at 1/2, got %s", d.Action)
	}

	step.Retries = 2
	if d := engine.OnStepFailure(step, nil, nil); d.Action != policy.ActionFailRun {
		t.Errorf("Expected fail_run after retries exhausted, got %s", d.Action)
	}
}

func TestEngine_UnconfiguredTypeNeverRetries(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{})

	d := engine.OnStepFailure(failedStep(0, 0, types.StepTypeQuality), nil, nil)
	if d.Action != policy.ActionFailRun {
		t.Errorf("Expected fail_run for type with no loop rule, got %s", d.Action)
	}
}

func TestEngine_TriggerOrdering(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", StepType: "quality", Action: "step_back", StepBack: 1},
			{On: "any", Action: "pause_run"},
		},
	})

	// Quality failures hit the first rule.
	d := engine.OnStepFailure(failedStep(2, 0, types.StepTypeQuality), nil, nil)
	if d.Action != policy.ActionStepBack || d.StepBack != 1 {
		t.Errorf("Expected step_back for quality, got %+v", d)
	}
	if d.RuleIndex != 0 {
		t.Errorf("Expected rule 0, got %d", d.RuleIndex)
	}

	// Other types fall through to the catch-all.
	d = engine.OnStepFailure(failedStep(2, 0, types.StepTypeExecute), nil, nil)
	if d.Action != policy.ActionPauseRun || d.RuleIndex != 1 {
		t.Errorf("Expected pause_run from rule 1, got %+v", d)
	}
}

func TestEngine_ConsecutiveFailures(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "consecutive_failures", ConsecutiveFailures: 3, Action: "fail_run"},
			{On: "any", Action: "pause_run"},
		},
	})

	history := []*types.StepRun{
		{ID: 1, StepIndex: 0, Status: types.StepSucceeded},
		{ID: 2, StepIndex: 1, Status: types.StepFailed},
		{ID: 3, StepIndex: 2, Status: types.StepFailed},
	}
	current := failedStep(3, 0, types.StepTypeExecute)

	// Tail is failed(1), failed(2), current(3): threshold met.
	d := engine.OnStepFailure(current, history, nil)
	if d.Action != policy.ActionFailRun || d.RuleIndex != 0 {
		t.Errorf("Expected fail_run at 3 consecutive failures, got %+v", d)
	}

	// A success in the tail breaks the streak.
	history[2].Status = types.StepSucceeded
	d = engine.OnStepFailure(current, history, nil)
	if d.Action != policy.ActionPauseRun {
		t.Errorf("Expected fallthrough to pause_run, got %+v", d)
	}
}

func TestEngine_InsertStep(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", Action: "insert_step", InsertStepName: "fixup", InsertStepType: "quality"},
		},
	})

	d := engine.OnStepFailure(failedStep(1, 0, types.StepTypeExecute), nil, nil)
	if d.Action != policy.ActionInsertStep {
		t.Fatalf("Expected insert_step, got %s", d.Action)
	}
	if d.Insert == nil || d.Insert.Name != "fixup" || d.Insert.Type != types.StepTypeQuality {
		t.Errorf("Unexpected inserted spec: %+v", d.Insert)
	}
}

func TestEngine_RuleFireLimit(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Trigger: []config.TriggerRuleConfig{
			{On: "step_failed", Action: "step_back", StepBack: 1, MaxIterations: 2},
		},
	})
	step := failedStep(3, 0, types.StepTypeExecute)

	if d := engine.OnStepFailure(step, nil, map[int]int{0: 1}); d.Action != policy.ActionStepBack {
		t.Errorf("Expected step_back under the limit, got %s", d.Action)
	}
	if d := engine.OnStepFailure(step, nil, map[int]int{0: 2}); d.Action != policy.ActionFailRun {
		t.Errorf("Expected fail_run once the rule is spent, got %s", d.Action)
	}
}

func TestEngine_RetriesBeforeTriggers(t *testing.T) {
	engine := policy.NewEngine(config.PolicyConfig{
		Loop: map[string]config.RetryRule{
			"execute": {MaxRetries: 1},
		},
		Trigger: []config.TriggerRuleConfig{
			{On: "any", Action: "fail_run"},
		},
	})

	d := engine.OnStepFailure(failedStep(0, 0, types.StepTypeExecute), nil, nil)
	if d.Action != policy.ActionRetry {
		t.Errorf("Loop policy must be consulted before triggers, got %s", d.Action)
	}
}
