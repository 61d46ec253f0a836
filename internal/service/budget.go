package service

import (
	"log/slog"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
)

// BudgetDecision is the outcome of a pre-phase budget check.
type BudgetDecision struct {
	Allowed bool
	Warning string
	Reason  string
}

// CostBudgetService gates phases on the per-task spend ceiling. The check
// runs before a phase starts; a phase already running is allowed to finish.
type CostBudgetService struct {
	cfg config.Budget
	log *slog.Logger
}

// NewCostBudgetService creates the budget gate.
func NewCostBudgetService(cfg config.Budget, log *slog.Logger) *CostBudgetService {
	return &CostBudgetService{cfg: cfg, log: log}
}

// Estimate returns the configured cost estimate for a phase.
func (s *CostBudgetService) Estimate(name phase.Name) float64 {
	if est, ok := s.cfg.PhaseEstimatesUSD[string(name)]; ok {
		return est
	}
	return s.cfg.DefaultEstimate
}

// CheckBeforePhase refuses a phase whose estimated cost would push the task
// past the hard ceiling, and warns when projected spend crosses the warn
// fraction.
func (s *CostBudgetService) CheckBeforePhase(name phase.Name, currentSpendUSD float64) BudgetDecision {
	projected := currentSpendUSD + s.Estimate(name)
	if projected > s.cfg.TaskCeilingUSD {
		s.log.Warn("budget ceiling would be exceeded",
			"phase", name, "spend_usd", currentSpendUSD, "projected_usd", projected, "ceiling_usd", s.cfg.TaskCeilingUSD)
		return BudgetDecision{
			Allowed: false,
			Reason: "phase " + string(name) + " would exceed the task budget ceiling",
		}
	}
	d := BudgetDecision{Allowed: true}
	if projected > s.cfg.TaskCeilingUSD*s.cfg.WarnFraction {
		d.Warning = "projected spend is approaching the task budget ceiling"
	}
	return d
}
