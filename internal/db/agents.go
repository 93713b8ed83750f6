package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// UpsertAgentAssignment creates or replaces the assignment for
// (project_id, process_key). A project id of zero writes the global
// default row.
func (s *Store) UpsertAgentAssignment(a *types.AgentAssignment) error {
	metadata, err := marshalAnyMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode assignment metadata: %w", err)
	}
	now := types.Now()
	_, err = s.db.Exec(`
		INSERT INTO agent_assignments (project_id, process_key, agent_id, prompt_id, model_override, enabled, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, process_key) DO UPDATE SET
			agent_id = excluded.agent_id,
			prompt_id = excluded.prompt_id,
			model_override = excluded.model_override,
			enabled = excluded.enabled,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		a.ProjectID, a.ProcessKey, a.AgentID, a.PromptID, a.ModelOverride,
		boolToInt(a.Enabled), metadata, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert agent assignment: %w", err)
	}
	return nil
}

// GetAgentAssignment returns the assignment for (projectID, processKey),
// or nil when none exists.
func (s *Store) GetAgentAssignment(projectID int64, processKey string) (*types.AgentAssignment, error) {
	var a types.AgentAssignment
	var enabled int
	var metadata sql.NullString
	err := s.db.QueryRow(`
		SELECT id, project_id, process_key, agent_id, prompt_id, model_override, enabled, metadata, created_at, updated_at
		FROM agent_assignments WHERE project_id = ? AND process_key = ?`,
		projectID, processKey).
		Scan(&a.ID, &a.ProjectID, &a.ProcessKey, &a.AgentID, &a.PromptID, &a.ModelOverride,
			&enabled, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent assignment: %w", err)
	}
	a.Enabled = enabled != 0
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode assignment metadata: %w", err)
		}
	}
	return &a, nil
}

// SetInheritGlobal records whether a project falls back to the global
// assignment table when it has no row for a process key.
func (s *Store) SetInheritGlobal(projectID int64, inherit bool) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_assignment_settings (project_id, inherit_global)
		VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET inherit_global = excluded.inherit_global`,
		projectID, boolToInt(inherit))
	if err != nil {
		return fmt.Errorf("failed to set inherit_global: %w", err)
	}
	return nil
}

// InheritsGlobal reports whether a project inherits global assignments.
// Projects with no settings row inherit by default.
func (s *Store) InheritsGlobal(projectID int64) (bool, error) {
	var inherit int
	err := s.db.QueryRow(`
		SELECT inherit_global FROM agent_assignment_settings WHERE project_id = ?`,
		projectID).Scan(&inherit)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read inherit_global: %w", err)
	}
	return inherit != 0, nil
}

// SetAgentOverride creates or replaces the per-project override payload
// for one agent.
func (s *Store) SetAgentOverride(o *types.AgentOverride) error {
	overrides, err := marshalAnyMap(o.Overrides)
	if err != nil {
		return fmt.Errorf("failed to encode overrides: %w", err)
	}
	now := types.Now()
	_, err = s.db.Exec(`
		INSERT INTO agent_overrides (project_id, agent_id, overrides, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, agent_id) DO UPDATE SET
			overrides = excluded.overrides,
			updated_at = excluded.updated_at`,
		o.ProjectID, o.AgentID, overrides, now, now)
	if err != nil {
		return fmt.Errorf("failed to set agent override: %w", err)
	}
	return nil
}

// GetAgentOverride returns a project's override for one agent, or nil.
func (s *Store) GetAgentOverride(projectID int64, agentID string) (*types.AgentOverride, error) {
	var o types.AgentOverride
	var overrides sql.NullString
	err := s.db.QueryRow(`
		SELECT id, project_id, agent_id, overrides, created_at, updated_at
		FROM agent_overrides WHERE project_id = ? AND agent_id = ?`,
		projectID, agentID).
		Scan(&o.ID, &o.ProjectID, &o.AgentID, &overrides, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent override: %w", err)
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &o.Overrides); err != nil {
			return nil, fmt.Errorf("failed to decode overrides: %w", err)
		}
	}
	return &o, nil
}

// ResolveAgentBinding picks the agent for a project/process key pair.
// Resolution order: project assignment, then global assignment when the
// project inherits, then nil when nothing matches. Disabled assignments
// are skipped. Any project override payload for the chosen agent is
// attached.
func (s *Store) ResolveAgentBinding(projectID int64, processKey string) (*types.AgentBinding, error) {
	assignment, err := s.GetAgentAssignment(projectID, processKey)
	if err != nil {
		return nil, err
	}
	if assignment != nil && !assignment.Enabled {
		assignment = nil
	}

	if assignment == nil && projectID != 0 {
		inherit, err := s.InheritsGlobal(projectID)
		if err != nil {
			return nil, err
		}
		if inherit {
			assignment, err = s.GetAgentAssignment(0, processKey)
			if err != nil {
				return nil, err
			}
			if assignment != nil && !assignment.Enabled {
				assignment = nil
			}
		}
	}

	if assignment == nil {
		return nil, nil
	}

	binding := &types.AgentBinding{
		AgentID:  assignment.AgentID,
		PromptID: assignment.PromptID,
		Model:    assignment.ModelOverride,
	}
	override, err := s.GetAgentOverride(projectID, assignment.AgentID)
	if err != nil {
		return nil, err
	}
	if override != nil {
		binding.Overrides = override.Overrides
	}
	return binding, nil
}

func marshalAnyMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
