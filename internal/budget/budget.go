// Package budget guards protocol runs against overspending. Every step
// dispatch is pre-checked against both the run and project ledgers, and
// every completion records the units actually consumed.
package budget

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/config"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Severity controls what the orchestrator does to a run that would
// exceed its budget.
type Severity string

const (
	// SeverityPause pauses the run so an operator can raise the ceiling
	// and resume.
	SeverityPause Severity = "pause"
	// SeverityFail fails the run outright.
	SeverityFail Severity = "fail"
)

// Verdict is the result of a pre-dispatch budget check.
type Verdict struct {
	Allowed  bool
	Scope    types.BudgetScope // which ledger blocked, when !Allowed
	Consumed int64
	Ceiling  int64
	Estimate int64
}

// Guard enforces budget ceilings.
type Guard struct {
	store    *db.Store
	cfg      config.BudgetConfig
	severity Severity
	logger   *zap.Logger
}

// NewGuard builds a guard from configuration.
func NewGuard(store *db.Store, cfg config.BudgetConfig, logger *zap.Logger) *Guard {
	return &Guard{store: store, cfg: cfg, severity: Severity(cfg.Severity), logger: logger}
}

// Severity returns the configured overspend reaction.
func (g *Guard) Severity() Severity {
	return g.severity
}

// InitRun creates the run ledger (and the project ledger, if configured)
// when the run is created. Zero ceilings disable the scope.
func (g *Guard) InitRun(run *types.ProtocolRun) error {
	if g.cfg.RunCeiling > 0 {
		if err := g.store.EnsureBudget(types.BudgetScopeRun, run.ID, g.cfg.RunCeiling); err != nil {
			return err
		}
	}
	if g.cfg.ProjectCeiling > 0 {
		if err := g.store.EnsureBudget(types.BudgetScopeProject, run.ProjectID, g.cfg.ProjectCeiling); err != nil {
			return err
		}
	}
	return nil
}

// Estimate returns the expected cost of a step before it runs.
func (g *Guard) Estimate(stepType types.StepType) int64 {
	if cost, ok := g.cfg.StepCosts[string(stepType)]; ok {
		return cost
	}
	return g.cfg.DefaultStepCost
}

// Check verifies that dispatching a step of the given type would keep
// both ledgers at or under their ceilings. Scopes with no ledger row
// always pass.
func (g *Guard) Check(run *types.ProtocolRun, stepType types.StepType) (Verdict, error) {
	estimate := g.Estimate(stepType)

	scopes := []struct {
		scope types.BudgetScope
		id    int64
	}{
		{types.BudgetScopeRun, run.ID},
		{types.BudgetScopeProject, run.ProjectID},
	}
	for _, sc := range scopes {
		b, err := g.store.GetBudget(sc.scope, sc.id)
		if err != nil {
			return Verdict{}, err
		}
		if b == nil || b.Ceiling <= 0 {
			continue
		}
		if b.Consumed+estimate > b.Ceiling {
			g.logger.Warn("budget ceiling would be exceeded",
				zap.String("scope", string(sc.scope)),
				zap.Int64("scope_id", sc.id),
				zap.Int64("consumed", b.Consumed),
				zap.Int64("ceiling", b.Ceiling),
				zap.Int64("estimate", estimate))
			return Verdict{
				Allowed:  false,
				Scope:    sc.scope,
				Consumed: b.Consumed,
				Ceiling:  b.Ceiling,
				Estimate: estimate,
			}, nil
		}
	}
	return Verdict{Allowed: true, Estimate: estimate}, nil
}

// Record charges the units a completed step actually consumed against
// both ledgers. Recording may push a ledger past its ceiling; the
// overshoot surfaces on the next Check.
func (g *Guard) Record(run *types.ProtocolRun, units int64) error {
	if units <= 0 {
		return nil
	}
	if _, err := g.store.AddConsumption(types.BudgetScopeRun, run.ID, units); err != nil {
		return fmt.Errorf("failed to record run consumption: %w", err)
	}
	if _, err := g.store.AddConsumption(types.BudgetScopeProject, run.ProjectID, units); err != nil {
		return fmt.Errorf("failed to record project consumption: %w", err)
	}
	return nil
}
