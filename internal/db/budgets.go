package db

import (
	"database/sql"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// EnsureBudget creates the ledger row for a scope if missing, with the
// given ceiling. An existing row keeps its ceiling and consumption.
func (s *Store) EnsureBudget(scope types.BudgetScope, scopeID, ceiling int64) error {
	_, err := s.db.Exec(`
		INSERT INTO budgets (scope, scope_id, consumed, ceiling)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(scope, scope_id) DO NOTHING`,
		scope, scopeID, ceiling)
	if err != nil {
		return fmt.Errorf("failed to ensure budget: %w", err)
	}
	return nil
}

// GetBudget returns the ledger row, or nil when the scope has none.
func (s *Store) GetBudget(scope types.BudgetScope, scopeID int64) (*types.Budget, error) {
	var b types.Budget
	err := s.db.QueryRow(`
		SELECT scope, scope_id, consumed, ceiling FROM budgets WHERE scope = ? AND scope_id = ?`,
		scope, scopeID).Scan(&b.Scope, &b.ScopeID, &b.Consumed, &b.Ceiling)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

// SetBudgetCeiling updates a ledger's ceiling, creating the row when the
// scope has none. Operators use this to unblock a budget-paused run.
func (s *Store) SetBudgetCeiling(scope types.BudgetScope, scopeID, ceiling int64) error {
	_, err := s.db.Exec(`
		INSERT INTO budgets (scope, scope_id, consumed, ceiling)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(scope, scope_id) DO UPDATE SET ceiling = excluded.ceiling`,
		scope, scopeID, ceiling)
	if err != nil {
		return fmt.Errorf("failed to set budget ceiling: %w", err)
	}
	return nil
}

// AddConsumption charges units against a scope's ledger atomically and
// returns the updated row. Charging a scope with no ledger row is a
// no-op returning nil, so budgets stay opt-in per scope.
func (s *Store) AddConsumption(scope types.BudgetScope, scopeID, units int64) (*types.Budget, error) {
	if units < 0 {
		return nil, types.NewError(types.ErrValidation, "consumption units must not be negative")
	}
	res, err := s.db.Exec(`
		UPDATE budgets SET consumed = consumed + ? WHERE scope = ? AND scope_id = ?`,
		units, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to add consumption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetBudget(scope, scopeID)
}
