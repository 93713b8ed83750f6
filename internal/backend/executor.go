package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/speckit"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Mux routes step types to executors, falling back to Default for types
// with no dedicated handler.
type Mux struct {
	Handlers map[types.StepType]StepExecutor
	Default  StepExecutor
}

// ExecuteStep picks the executor for the step's type.
func (m *Mux) ExecuteStep(ctx context.Context, d Dispatch) types.StepResult {
	if h, ok := m.Handlers[d.Step.StepType]; ok {
		return h.ExecuteStep(ctx, d)
	}
	if m.Default != nil {
		return m.Default.ExecuteStep(ctx, d)
	}
	return types.StepResult{
		Success: false,
		Summary: fmt.Sprintf("no executor for step type %s", d.Step.StepType),
	}
}

// AgentExecutor shells out to a coding-agent CLI inside the run's
// worktree. The agent does the actual code work; the executor only
// frames the prompt and collects output.
type AgentExecutor struct {
	command  string
	baseArgs []string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAgentExecutor builds an executor for the given CLI.
func NewAgentExecutor(command string, baseArgs []string, timeout time.Duration, logger *zap.Logger) *AgentExecutor {
	return &AgentExecutor{command: command, baseArgs: baseArgs, timeout: timeout, logger: logger}
}

// CheckInstalled verifies the agent CLI is on PATH.
func (e *AgentExecutor) CheckInstalled() error {
	if _, err := exec.LookPath(e.command); err != nil {
		return types.WrapError(types.ErrBackendUnavailable,
			fmt.Sprintf("agent command %q not found", e.command), err)
	}
	return nil
}

// ExecuteStep runs the agent with the step prompt. Timeouts and nonzero
// exits become failed results, never errors.
func (e *AgentExecutor) ExecuteStep(ctx context.Context, d Dispatch) types.StepResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append([]string{}, e.baseArgs...)
	args = append(args, "-p", e.buildPrompt(d))
	model := d.Step.Model
	if model == "" && d.Binding != nil {
		model = d.Binding.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = d.WorktreePath

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	e.logger.Debug("agent step finished",
		zap.Int64("step_run_id", d.Step.ID),
		zap.Duration("elapsed", elapsed),
		zap.Bool("success", err == nil))

	output := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return types.StepResult{
			Success: false,
			Summary: fmt.Sprintf("agent timed out after %s", e.timeout),
		}
	}
	if err != nil {
		summary := output
		if summary == "" {
			summary = err.Error()
		}
		return types.StepResult{Success: false, Summary: summary}
	}
	return types.StepResult{Success: true, Summary: output}
}

func (e *AgentExecutor) buildPrompt(d Dispatch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Step: %s (%s)\n", d.Step.StepName, d.Step.StepType)
	if d.Run.ProtocolName != "" {
		fmt.Fprintf(&sb, "Protocol: %s\n", d.Run.ProtocolName)
	}
	if d.Run.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", d.Run.Description)
	}
	if d.Binding != nil && d.Binding.PromptID != "" {
		fmt.Fprintf(&sb, "\nPrompt: %s\n", d.Binding.PromptID)
	}
	return sb.String()
}

// ScriptExecutor handles the step types backed by spec-kit scripts in
// the worktree: project_setup, plan and quality.
type ScriptExecutor struct {
	platform speckit.Platform
	logger   *zap.Logger
}

// NewScriptExecutor builds a script-backed executor.
func NewScriptExecutor(platform speckit.Platform, logger *zap.Logger) *ScriptExecutor {
	return &ScriptExecutor{platform: platform, logger: logger}
}

// ExecuteStep runs the matching spec-kit script in the worktree.
func (e *ScriptExecutor) ExecuteStep(ctx context.Context, d Dispatch) types.StepResult {
	adapter, err := speckit.New(d.WorktreePath, e.platform, e.logger)
	if err != nil {
		return types.StepResult{Success: false, Summary: err.Error()}
	}

	env := map[string]string{}
	if d.Run.ProtocolRoot != "" {
		env["SPECIFY_FEATURE"] = d.Run.ProtocolRoot
	}

	var fields map[string]string
	switch d.Step.StepType {
	case types.StepTypeProjectSetup:
		fields, err = adapter.CreateFeature(ctx, d.Run.Description, env)
	case types.StepTypePlan:
		fields, err = adapter.SetupPlan(ctx, env)
	case types.StepTypeQuality:
		fields, err = adapter.CheckPrerequisites(ctx, env)
	default:
		return types.StepResult{
			Success: false,
			Summary: fmt.Sprintf("step type %s has no script handler", d.Step.StepType),
		}
	}
	if err != nil {
		return types.StepResult{Success: false, Summary: err.Error()}
	}

	summary, merr := json.Marshal(fields)
	if merr != nil {
		return types.StepResult{Success: true, Summary: fmt.Sprintf("%v", fields)}
	}
	return types.StepResult{Success: true, Summary: string(summary)}
}
