package db

import (
	"database/sql"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// StepUpdate carries the optional fields a step transition can set
// alongside the status change.
type StepUpdate struct {
	Summary          string
	JobReference     string
	IncrementRetries bool
}

// CreateStepRun appends a step to a run at the next free step_index.
// Indices are dense: the new step gets max(step_index)+1, allocated by a
// single INSERT..SELECT so concurrent appenders serialize on the write
// lock instead of deadlocking on a read-to-write upgrade.
func (s *Store) CreateStepRun(runID int64, spec types.StepSpec) (*types.StepRun, error) {
	if !spec.Type.Valid() {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("unknown step type %q", spec.Type))
	}

	now := types.Now()
	var id int64
	var index int
	err := s.db.QueryRow(`
		INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, model, created_at, updated_at)
		SELECT ?, COALESCE(MAX(step_index) + 1, 0), ?, ?, ?, ?, ?, ?
		FROM step_runs WHERE protocol_run_id = ?
		RETURNING id, step_index`,
		runID, spec.Name, spec.Type, types.StepPending, spec.Model, now, now,
		runID).Scan(&id, &index)
	if err != nil {
		return nil, fmt.Errorf("failed to create step run: %w", err)
	}

	return &types.StepRun{
		ID:            id,
		ProtocolRunID: runID,
		StepIndex:     index,
		StepName:      spec.Name,
		StepType:      spec.Type,
		Status:        types.StepPending,
		Model:         spec.Model,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// GetStepRun returns the step by id, or nil when it does not exist.
func (s *Store) GetStepRun(id int64) (*types.StepRun, error) {
	step, err := scanStep(s.db.QueryRow(`
		SELECT id, protocol_run_id, step_index, step_name, step_type, status, retries, model, summary, job_reference, created_at, updated_at
		FROM step_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return step, err
}

// ListStepRuns returns a run's steps ordered by step_index.
func (s *Store) ListStepRuns(runID int64) ([]*types.StepRun, error) {
	rows, err := s.db.Query(`
		SELECT id, protocol_run_id, step_index, step_name, step_type, status, retries, model, summary, job_reference, created_at, updated_at
		FROM step_runs WHERE protocol_run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}
	defer rows.Close()

	var steps []*types.StepRun
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListStepRunsByStatus returns all steps in the given status across runs.
func (s *Store) ListStepRunsByStatus(status types.StepStatus) ([]*types.StepRun, error) {
	rows, err := s.db.Query(`
		SELECT id, protocol_run_id, step_index, step_name, step_type, status, retries, model, summary, job_reference, created_at, updated_at
		FROM step_runs WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}
	defer rows.Close()

	var steps []*types.StepRun
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// TransitionStep moves a step from expected to next, applying upd in the
// same statement. A false return with a nil error means the step was not
// in the expected state, which callers treat as "someone else already
// handled this".
func (s *Store) TransitionStep(id int64, expected, next types.StepStatus, upd *StepUpdate) (bool, error) {
	if expected.Terminal() {
		return false, types.NewError(types.ErrStateConflict,
			fmt.Sprintf("step status %q is terminal", expected))
	}

	query := `UPDATE step_runs SET status = ?, updated_at = ?`
	args := []any{next, types.Now()}
	if upd != nil {
		if upd.Summary != "" {
			query += `, summary = ?`
			args = append(args, upd.Summary)
		}
		if upd.JobReference != "" {
			query += `, job_reference = ?`
			args = append(args, upd.JobReference)
		}
		if upd.IncrementRetries {
			query += `, retries = retries + 1`
		}
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, expected)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition step %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimStep atomically moves a pending step to running, refusing while
// any sibling step of the same run is already running. At most one step
// per run executes at a time.
func (s *Store) ClaimStep(id int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE step_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM step_runs s2
			WHERE s2.protocol_run_id = step_runs.protocol_run_id
			AND s2.status = ? AND s2.id != step_runs.id
		)`,
		types.StepRunning, types.Now(), id, types.StepPending, types.StepRunning)
	if err != nil {
		return false, fmt.Errorf("failed to claim step %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// GetStepRunByJobReference finds the step a job reference was issued to,
// or nil when no step carries it.
func (s *Store) GetStepRunByJobReference(ref string) (*types.StepRun, error) {
	step, err := scanStep(s.db.QueryRow(`
		SELECT id, protocol_run_id, step_index, step_name, step_type, status, retries, model, summary, job_reference, created_at, updated_at
		FROM step_runs WHERE job_reference = ?`, ref))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return step, err
}

// SetStepJobReference records the backend job handle on a step after
// dispatch.
func (s *Store) SetStepJobReference(id int64, ref string) error {
	_, err := s.db.Exec(`UPDATE step_runs SET job_reference = ?, updated_at = ? WHERE id = ?`,
		ref, types.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set job reference: %w", err)
	}
	return nil
}

// CancelPendingSteps marks every pending step of a run cancelled and
// returns how many were affected. Running steps are left alone so their
// completion callbacks can still record an outcome.
func (s *Store) CancelPendingSteps(runID int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE step_runs SET status = ?, updated_at = ?
		WHERE protocol_run_id = ? AND status IN (?, ?)`,
		types.StepCancelled, types.Now(), runID, types.StepPending, types.StepRetrying)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending steps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func scanStep(row rowScanner) (*types.StepRun, error) {
	var step types.StepRun
	err := row.Scan(&step.ID, &step.ProtocolRunID, &step.StepIndex, &step.StepName, &step.StepType,
		&step.Status, &step.Retries, &step.Model, &step.Summary, &step.JobReference,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan step run: %w", err)
	}
	return &step, nil
}
