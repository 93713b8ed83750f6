// Package config loads muster configuration from YAML with environment
// variable overrides. Environment variables use the MUSTER_ prefix, e.g.
// MUSTER_DATABASE_PATH overrides database.path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// DatabaseConfig describes the sqlite run store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// WorktreeConfig describes where per-run git worktrees are created.
type WorktreeConfig struct {
	Dir string `koanf:"dir"`
}

// RetryRule is the loop policy for one step type. A step type with no
// rule configured gets zero retries.
type RetryRule struct {
	MaxRetries int           `koanf:"max_retries"`
	Delay      time.Duration `koanf:"delay"`
}

// TriggerRuleConfig is one entry in the ordered trigger rule list. Rules
// are evaluated top to bottom after a step exhausts its retries; the
// first matching rule decides what happens to the run.
type TriggerRuleConfig struct {
	// On selects the condition: "step_failed", "consecutive_failures",
	// or "any".
	On string `koanf:"on"`
	// StepType restricts the rule to failures of one step type.
	// Empty matches all types.
	StepType string `koanf:"step_type"`
	// ConsecutiveFailures is the threshold for on: consecutive_failures.
	ConsecutiveFailures int `koanf:"consecutive_failures"`
	// Action is one of "fail_run", "pause_run", "step_back",
	// "insert_step".
	Action string `koanf:"action"`
	// StepBack is how many plan positions to rewind for action: step_back.
	StepBack int `koanf:"step_back"`
	// InsertStepName and InsertStepType describe the step injected by
	// action: insert_step.
	InsertStepName string `koanf:"insert_step_name"`
	InsertStepType string `koanf:"insert_step_type"`
	// MaxIterations bounds how many times this rule may fire per run.
	// Zero means once.
	MaxIterations int `koanf:"max_iterations"`
}

// PolicyConfig holds loop (retry) and trigger rules.
type PolicyConfig struct {
	Loop    map[string]RetryRule `koanf:"loop"`
	Trigger []TriggerRuleConfig  `koanf:"trigger"`
}

// BudgetConfig configures the budget guard. Ceilings of zero disable the
// corresponding scope.
type BudgetConfig struct {
	RunCeiling     int64 `koanf:"run_ceiling"`
	ProjectCeiling int64 `koanf:"project_ceiling"`
	// Severity is what happens when a dispatch would exceed a ceiling:
	// "pause" pauses the run, "fail" fails it.
	Severity        string           `koanf:"severity"`
	StepCosts       map[string]int64 `koanf:"step_costs"`
	DefaultStepCost int64            `koanf:"default_step_cost"`
}

// BackendConfig selects the job backend.
type BackendConfig struct {
	// Kind is "local" (in-process goroutines) or "dbos" (durable
	// workflow queue).
	Kind            string `koanf:"kind"`
	DBOSDatabaseURL string `koanf:"dbos_database_url"`
	QueueName       string `koanf:"queue_name"`
}

// AgentConfig configures the external agent CLI that executes steps
// with no script-backed handler.
type AgentConfig struct {
	Command string        `koanf:"command"`
	Args    []string      `koanf:"args"`
	Timeout time.Duration `koanf:"timeout"`
}

// ScriptConfig configures the spec script adapter.
type ScriptConfig struct {
	// Platform is "bash" or "powershell".
	Platform string `koanf:"platform"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig `koanf:"database"`
	Worktrees WorktreeConfig `koanf:"worktrees"`
	Policy    PolicyConfig   `koanf:"policy"`
	Budget    BudgetConfig   `koanf:"budget"`
	Backend   BackendConfig  `koanf:"backend"`
	Agent     AgentConfig    `koanf:"agent"`
	Scripts   ScriptConfig   `koanf:"scripts"`
	Log       LogConfig      `koanf:"log"`
	// PersistRetries bounds how many times the orchestrator retries a
	// failed persistence write before surfacing the error.
	PersistRetries int `koanf:"persist_retries"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "muster", "config.yaml")
}

// Default returns a configuration with all defaults applied and no file
// or environment input.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path (skipped when it does not exist),
// applies MUSTER_-prefixed environment overrides, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MUSTER_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps MUSTER_DATABASE_PATH to database.path. The first
// underscore separates the section from the field; later underscores are
// kept so multi-word fields like default_step_cost resolve.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "MUSTER_"))
	return strings.Replace(s, "_", ".", 1)
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(".muster", "muster.db")
	}
	if cfg.Worktrees.Dir == "" {
		cfg.Worktrees.Dir = filepath.Join(".muster", "worktrees")
	}
	if cfg.Budget.Severity == "" {
		cfg.Budget.Severity = "pause"
	}
	if cfg.Budget.DefaultStepCost == 0 {
		cfg.Budget.DefaultStepCost = 1
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "local"
	}
	if cfg.Backend.QueueName == "" {
		cfg.Backend.QueueName = "muster-steps"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 30 * time.Minute
	}
	if cfg.Scripts.Platform == "" {
		cfg.Scripts.Platform = "bash"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.PersistRetries == 0 {
		cfg.PersistRetries = 3
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Budget.Severity {
	case "pause", "fail":
	default:
		return fmt.Errorf("budget.severity must be pause or fail, got %q", c.Budget.Severity)
	}
	switch c.Backend.Kind {
	case "local":
	case "dbos":
		if c.Backend.DBOSDatabaseURL == "" {
			return fmt.Errorf("backend.dbos_database_url is required when backend.kind is dbos")
		}
	default:
		return fmt.Errorf("backend.kind must be local or dbos, got %q", c.Backend.Kind)
	}
	switch c.Scripts.Platform {
	case "bash", "powershell":
	default:
		return fmt.Errorf("scripts.platform must be bash or powershell, got %q", c.Scripts.Platform)
	}
	for name, rule := range c.Policy.Loop {
		if rule.MaxRetries < 0 {
			return fmt.Errorf("policy.loop.%s.max_retries must not be negative", name)
		}
	}
	for i, rule := range c.Policy.Trigger {
		switch rule.Action {
		case "fail_run", "pause_run", "step_back", "insert_step":
		default:
			return fmt.Errorf("policy.trigger[%d].action %q is not recognized", i, rule.Action)
		}
		switch rule.On {
		case "step_failed", "consecutive_failures", "any":
		default:
			return fmt.Errorf("policy.trigger[%d].on %q is not recognized", i, rule.On)
		}
		if rule.Action == "step_back" && rule.StepBack < 1 {
			return fmt.Errorf("policy.trigger[%d].step_back must be at least 1", i)
		}
		if rule.Action == "insert_step" {
			if rule.InsertStepType == "" {
				return fmt.Errorf("policy.trigger[%d].insert_step_type is required", i)
			}
			if !types.StepType(rule.InsertStepType).Valid() {
				return fmt.Errorf("policy.trigger[%d].insert_step_type %q is not a known step type", i, rule.InsertStepType)
			}
		}
	}
	return nil
}
