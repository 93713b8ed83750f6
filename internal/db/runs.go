package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// CreateProtocolRun inserts a run in pending state with its full plan.
func (s *Store) CreateProtocolRun(run *types.ProtocolRun) (*types.ProtocolRun, error) {
	if len(run.Plan) == 0 {
		return nil, types.NewError(types.ErrValidation, "protocol run requires a non-empty plan")
	}
	for i, spec := range run.Plan {
		if !spec.Type.Valid() {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("plan step %d has unknown type %q", i, spec.Type))
		}
	}

	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}

	now := types.Now()
	res, err := s.db.Exec(`
		INSERT INTO protocol_runs (project_id, protocol_name, status, base_branch, protocol_root, description, plan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ProjectID, run.ProtocolName, types.ProtocolPending, run.BaseBranch,
		run.ProtocolRoot, run.Description, string(plan), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run id: %w", err)
	}

	out := *run
	out.ID = id
	out.Status = types.ProtocolPending
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// GetProtocolRun returns the run by id, or nil when it does not exist.
func (s *Store) GetProtocolRun(id int64) (*types.ProtocolRun, error) {
	run, err := scanRun(s.db.QueryRow(`
		SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, plan, created_at, updated_at
		FROM protocol_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListProtocolRuns returns runs for a project, newest first. A projectID
// of zero lists runs across all projects.
func (s *Store) ListProtocolRuns(projectID int64) ([]*types.ProtocolRun, error) {
	query := `
		SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, plan, created_at, updated_at
		FROM protocol_runs`
	args := []any{}
	if projectID != 0 {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocol runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.ProtocolRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListProtocolRunsByStatus returns all runs currently in the given status.
func (s *Store) ListProtocolRunsByStatus(status types.ProtocolStatus) ([]*types.ProtocolRun, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, plan, created_at, updated_at
		FROM protocol_runs WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocol runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.ProtocolRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionProtocol moves a run from expected to next and reports
// whether this call performed the transition. A false return with a nil
// error means another writer got there first or the run is not in the
// expected state.
func (s *Store) TransitionProtocol(id int64, expected, next types.ProtocolStatus) (bool, error) {
	if expected.Terminal() {
		return false, types.NewError(types.ErrStateConflict,
			fmt.Sprintf("protocol status %q is terminal", expected))
	}
	res, err := s.db.Exec(`
		UPDATE protocol_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, types.Now(), id, expected)
	if err != nil {
		return false, fmt.Errorf("failed to transition protocol run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// SetProtocolWorktree records the worktree path once. Later calls with a
// different path report false; calls with the same path report true so
// concurrent preparers converge.
func (s *Store) SetProtocolWorktree(id int64, path string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE protocol_runs SET worktree_path = ?, updated_at = ?
		WHERE id = ? AND worktree_path IS NULL`,
		path, types.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set worktree path: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var existing sql.NullString
	err = s.db.QueryRow(`SELECT worktree_path FROM protocol_runs WHERE id = ?`, id).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("failed to read worktree path: %w", err)
	}
	return existing.Valid && existing.String == path, nil
}

// UpdateProtocolPlan rewrites the stored plan. Used when a trigger policy
// inserts a remediation step.
func (s *Store) UpdateProtocolPlan(id int64, plan []types.StepSpec) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	_, err = s.db.Exec(`UPDATE protocol_runs SET plan = ?, updated_at = ? WHERE id = ?`,
		string(data), types.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*types.ProtocolRun, error) {
	var run types.ProtocolRun
	var worktree sql.NullString
	var plan string
	err := row.Scan(&run.ID, &run.ProjectID, &run.ProtocolName, &run.Status, &run.BaseBranch,
		&worktree, &run.ProtocolRoot, &run.Description, &plan, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan protocol run: %w", err)
	}
	run.WorktreePath = worktree.String
	if err := json.Unmarshal([]byte(plan), &run.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &run, nil
}
