// Package types defines the core domain entities shared across Muster
package types

import (
	"encoding/json"
	"time"
)

// ProtocolStatus represents the lifecycle state of a protocol run
type ProtocolStatus string

const (
	ProtocolPending   ProtocolStatus = "pending"
	ProtocolRunning   ProtocolStatus = "running"
	ProtocolPaused    ProtocolStatus = "paused"
	ProtocolCompleted ProtocolStatus = "completed"
	ProtocolFailed    ProtocolStatus = "failed"
	ProtocolCancelled ProtocolStatus = "cancelled"
)

// Terminal reports whether the status is immutable once reached
func (s ProtocolStatus) Terminal() bool {
	switch s {
	case ProtocolCompleted, ProtocolFailed, ProtocolCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single step run
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is immutable once reached
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled:
		return true
	}
	return false
}

// StepType is the closed set of work kinds a step can carry
type StepType string

const (
	StepTypePlan         StepType = "plan"
	StepTypeExecute      StepType = "execute"
	StepTypeQuality      StepType = "quality"
	StepTypeOpenPR       StepType = "open_pr"
	StepTypeImport       StepType = "import"
	StepTypeProjectSetup StepType = "project_setup"
)

// KnownStepTypes lists every valid step type
var KnownStepTypes = []StepType{
	StepTypePlan,
	StepTypeExecute,
	StepTypeQuality,
	StepTypeOpenPR,
	StepTypeImport,
	StepTypeProjectSetup,
}

// Valid reports whether the step type belongs to the closed enumeration
func (t StepType) Valid() bool {
	for _, k := range KnownStepTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Project is a git repository onboarded for protocol runs
type Project struct {
	ID            int64
	Name          string
	GitURL        string
	BaseBranch    string
	CIProvider    string
	Secrets       map[string]string
	DefaultModels map[string]string
	CreatedAt     int64
	UpdatedAt     int64
}

// StepSpec describes one planned step of a protocol template.
// Specs are stored on the run so StepRun rows can be created lazily
// as the orchestrator advances step_index.
type StepSpec struct {
	Name  string   `json:"name"`
	Type  StepType `json:"type"`
	Model string   `json:"model,omitempty"`
}

// ProtocolRun is one end-to-end execution of a protocol against a project
type ProtocolRun struct {
	ID           int64
	ProjectID    int64
	ProtocolName string
	Status       ProtocolStatus
	BaseBranch   string
	WorktreePath string // set once, immutable thereafter
	ProtocolRoot string
	Description  string
	Plan         []StepSpec
	CreatedAt    int64
	UpdatedAt    int64
}

// StepRun is one unit of work within a protocol run
type StepRun struct {
	ID            int64
	ProtocolRunID int64
	StepIndex     int
	StepName      string
	StepType      StepType
	Status        StepStatus
	Retries       int
	Model         string
	Summary       string
	JobReference  string // opaque handle into an external job backend
	CreatedAt     int64
	UpdatedAt     int64
}

// Event is one append-only audit record. Events are never mutated or
// deleted; the full run history must be reconstructable from them alone.
type Event struct {
	ID            int64
	ProtocolRunID int64
	StepRunID     int64 // 0 when the event is run-scoped
	EventType     string
	Message       string
	Metadata      map[string]any
	CreatedAt     int64
}

// MarshalMetadata encodes the metadata map for storage
func (e *Event) MarshalMetadata() ([]byte, error) {
	if len(e.Metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Metadata)
}

// AgentAssignment resolves which agent/prompt/model handles a process key
// (step type) for a project. Rows with ProjectID == 0 are global defaults.
type AgentAssignment struct {
	ID            int64
	ProjectID     int64
	ProcessKey    string
	AgentID       string
	PromptID      string
	ModelOverride string
	Enabled       bool
	Metadata      map[string]any
	CreatedAt     int64
	UpdatedAt     int64
}

// AgentOverride is a per-agent override payload scoped to a project
type AgentOverride struct {
	ID        int64
	ProjectID int64
	AgentID   string
	Overrides map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// AgentBinding is the resolved agent/prompt/model for a step dispatch
type AgentBinding struct {
	AgentID   string
	PromptID  string
	Model     string
	Overrides map[string]any
}

// StepResult is the payload workers deliver on step completion.
// It is the sole mutation input exposed to worker processes.
type StepResult struct {
	Success      bool
	Summary      string
	JobReference string // optional muster://job/... handle
	Consumed     int64  // actual resource units spent, in abstract units
}

// BudgetScope selects which ledger a consumption entry charges
type BudgetScope string

const (
	BudgetScopeRun     BudgetScope = "run"
	BudgetScopeProject BudgetScope = "project"
)

// Budget is a consumption-vs-ceiling ledger row
type Budget struct {
	Scope    BudgetScope
	ScopeID  int64
	Consumed int64
	Ceiling  int64
}

// Remaining returns the unconsumed units, never negative
func (b Budget) Remaining() int64 {
	if b.Consumed >= b.Ceiling {
		return 0
	}
	return b.Ceiling - b.Consumed
}

// Now returns the current unix timestamp; split out so tests can reason
// about row ordering without clock stubs.
func Now() int64 {
	return time.Now().Unix()
}
