// Package speckit drives the spec-kit helper scripts checked into a
// project repository. Scripts print human-readable progress followed by
// one JSON object on stdout; the adapter extracts that object and hands
// the decoded fields back to the orchestrator.
package speckit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// Platform selects which script flavor a repository carries.
type Platform string

const (
	PlatformBash       Platform = "bash"
	PlatformPowershell Platform = "powershell"
)

// Command names the spec-kit operations the adapter knows.
type Command string

const (
	CommandSpecify Command = "specify"
	CommandPlan    Command = "plan"
	CommandCheck   Command = "check"
)

var bashScripts = map[Command]string{
	CommandSpecify: "create-new-feature.sh",
	CommandPlan:    "setup-plan.sh",
	CommandCheck:   "check-prerequisites.sh",
}

var powershellScripts = map[Command]string{
	CommandSpecify: "create-new-feature.ps1",
	CommandPlan:    "setup-plan.ps1",
	CommandCheck:   "check-prerequisites.ps1",
}

// Adapter invokes spec-kit scripts inside one repository worktree.
type Adapter struct {
	repoDir  string
	platform Platform
	logger   *zap.Logger
}

// New builds an adapter for the worktree at repoDir.
func New(repoDir string, platform Platform, logger *zap.Logger) (*Adapter, error) {
	switch platform {
	case PlatformBash, PlatformPowershell:
	default:
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown script platform %q", platform))
	}
	return &Adapter{repoDir: repoDir, platform: platform, logger: logger}, nil
}

// CreateFeature runs the specify script with a feature description.
// SPECIFY_FEATURE in env pins the feature directory instead of letting
// the script derive one.
func (a *Adapter) CreateFeature(ctx context.Context, description string, env map[string]string) (map[string]string, error) {
	return a.run(ctx, CommandSpecify, []string{"--json", description}, env)
}

// SetupPlan runs the plan setup script.
func (a *Adapter) SetupPlan(ctx context.Context, env map[string]string) (map[string]string, error) {
	return a.run(ctx, CommandPlan, []string{"--json"}, env)
}

// CheckPrerequisites runs the prerequisite check with optional extra
// flags such as --require-tasks.
func (a *Adapter) CheckPrerequisites(ctx context.Context, env map[string]string, extraArgs ...string) (map[string]string, error) {
	args := append([]string{"--json"}, extraArgs...)
	return a.run(ctx, CommandCheck, args, env)
}

func (a *Adapter) scriptPath(command Command) (string, error) {
	var dir, name string
	switch a.platform {
	case PlatformBash:
		dir, name = "bash", bashScripts[command]
	case PlatformPowershell:
		dir, name = "powershell", powershellScripts[command]
	}
	if name == "" {
		return "", types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown spec-kit command %q", command))
	}
	return filepath.Join(a.repoDir, ".specify", "scripts", dir, name), nil
}

func (a *Adapter) run(ctx context.Context, command Command, args []string, env map[string]string) (map[string]string, error) {
	script, err := a.scriptPath(command)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(script); err != nil {
		// Refuse to spawn anything when the script is absent so the
		// failure names the real problem.
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("spec-kit script not found: %s", script)).
			WithMetadata(map[string]any{"script": script, "command": string(command)})
	}

	var cmd *exec.Cmd
	switch a.platform {
	case PlatformBash:
		cmd = exec.CommandContext(ctx, "bash", append([]string{script}, args...)...)
	case PlatformPowershell:
		cmd = exec.CommandContext(ctx, "pwsh", append([]string{"-NoProfile", "-File", script}, args...)...)
	}
	cmd.Dir = a.repoDir
	cmd.Env = mergedEnv(env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("running spec-kit script",
		zap.String("command", string(command)),
		zap.String("script", script))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return nil, types.WrapError(types.ErrExecution,
			fmt.Sprintf("spec-kit %s failed: %s", command, msg), err).
			WithMetadata(map[string]any{"command": string(command)})
	}

	fields, ok := lastJSONObject(stdout.String())
	if !ok {
		return nil, types.NewError(types.ErrParse,
			fmt.Sprintf("spec-kit %s produced no structured output", command)).
			WithMetadata(map[string]any{"command": string(command), "stdout": strings.TrimSpace(stdout.String())})
	}
	return fields, nil
}

// lastJSONObject scans stdout lines from the end and returns the decoded
// fields of the first line holding a JSON object. Values are coerced to
// strings so callers get a uniform shape.
func lastJSONObject(out string) (map[string]string, bool) {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case nil:
				fields[k] = ""
			default:
				b, err := json.Marshal(val)
				if err != nil {
					fields[k] = fmt.Sprintf("%v", val)
				} else {
					fields[k] = string(b)
				}
			}
		}
		return fields, true
	}
	return nil, false
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
