// Package policy decides what happens after a step fails: retry it,
// rewind the run, inject a remediation step, pause, or fail. The engine
// is pure; it reads state and returns a decision for the orchestrator to
// apply.
package policy

import (
	"fmt"
	"time"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Action is what the orchestrator should do next.
type Action string

const (
	ActionRetry      Action = "retry_step"
	ActionFailRun    Action = "fail_run"
	ActionPauseRun   Action = "pause_run"
	ActionStepBack   Action = "step_back"
	ActionInsertStep Action = "insert_step"
)

// Decision is the engine's verdict on a failed step.
type Decision struct {
	Action Action
	// Delay applies to ActionRetry.
	Delay time.Duration
	// StepBack is how many plan positions to rewind for ActionStepBack.
	StepBack int
	// Insert is the remediation step for ActionInsertStep.
	Insert *types.StepSpec
	// RuleIndex identifies the trigger rule that fired, -1 for loop
	// retries and the default fail.
	RuleIndex int
	Reason    string
}

// Engine evaluates loop and trigger policies.
type Engine struct {
	loop    map[string]config.RetryRule
	trigger []config.TriggerRuleConfig
}

// NewEngine builds an engine from validated policy configuration.
func NewEngine(cfg config.PolicyConfig) *Engine {
	return &Engine{loop: cfg.Loop, trigger: cfg.Trigger}
}

// MaxRetries returns the retry ceiling for a step type. Types without a
// configured loop rule get zero retries: an unconfigured policy never
// loops.
func (e *Engine) MaxRetries(stepType types.StepType) int {
	if rule, ok := e.loop[string(stepType)]; ok {
		return rule.MaxRetries
	}
	return 0
}

// RetryDelay returns the configured pause before redispatching a retry.
func (e *Engine) RetryDelay(stepType types.StepType) time.Duration {
	if rule, ok := e.loop[string(stepType)]; ok {
		return rule.Delay
	}
	return 0
}

// OnStepFailure decides the next move for a failed step. steps is the
// run's full step history ordered by step_index; ruleFires maps trigger
// rule index to how many times that rule already fired for this run.
func (e *Engine) OnStepFailure(step *types.StepRun, steps []*types.StepRun, ruleFires map[int]int) Decision {
	if step.Retries < e.MaxRetries(step.StepType) {
		return Decision{
			Action:    ActionRetry,
			Delay:     e.RetryDelay(step.StepType),
			RuleIndex: -1,
			Reason: fmt.Sprintf("retry %d/%d for step type %s",
				step.Retries+1, e.MaxRetries(step.StepType), step.StepType),
		}
	}

	for i, rule := range e.trigger {
		if rule.StepType != "" && rule.StepType != string(step.StepType) {
			continue
		}
		if !e.conditionHolds(rule, step, steps) {
			continue
		}
		limit := rule.MaxIterations
		if limit == 0 {
			limit = 1
		}
		if ruleFires[i] >= limit {
			continue
		}
		return e.decisionFor(i, rule)
	}

	return Decision{
		Action:    ActionFailRun,
		RuleIndex: -1,
		Reason:    fmt.Sprintf("retries exhausted for step %q and no trigger rule matched", step.StepName),
	}
}

func (e *Engine) conditionHolds(rule config.TriggerRuleConfig, step *types.StepRun, steps []*types.StepRun) bool {
	switch rule.On {
	case "any", "step_failed":
		return true
	case "consecutive_failures":
		return consecutiveFailures(step, steps) >= rule.ConsecutiveFailures
	}
	return false
}

// consecutiveFailures counts the unbroken tail of failed steps ending at
// the current one. The current step is counted even though its status
// flip may not be persisted yet.
func consecutiveFailures(step *types.StepRun, steps []*types.StepRun) int {
	count := 1
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.ID == step.ID {
			continue
		}
		if s.StepIndex >= step.StepIndex {
			continue
		}
		if s.Status == types.StepFailed {
			count++
			continue
		}
		break
	}
	return count
}

func (e *Engine) decisionFor(index int, rule config.TriggerRuleConfig) Decision {
	switch rule.Action {
	case "fail_run":
		return Decision{Action: ActionFailRun, RuleIndex: index, Reason: ruleReason(index, rule)}
	case "pause_run":
		return Decision{Action: ActionPauseRun, RuleIndex: index, Reason: ruleReason(index, rule)}
	case "step_back":
		return Decision{
			Action:    ActionStepBack,
			StepBack:  rule.StepBack,
			RuleIndex: index,
			Reason:    ruleReason(index, rule),
		}
	case "insert_step":
		name := rule.InsertStepName
		if name == "" {
			name = rule.InsertStepType
		}
		return Decision{
			Action: ActionInsertStep,
			Insert: &types.StepSpec{
				Name: name,
				Type: types.StepType(rule.InsertStepType),
			},
			RuleIndex: index,
			Reason:    ruleReason(index, rule),
		}
	}
	// Unreachable after config validation; fail the run rather than
	// guess.
	return Decision{Action: ActionFailRun, RuleIndex: index,
		Reason: fmt.Sprintf("trigger rule %d has unknown action %q", index, rule.Action)}
}

func ruleReason(index int, rule config.TriggerRuleConfig) string {
	return fmt.Sprintf("trigger rule %d (%s on %s)", index, rule.Action, rule.On)
}
