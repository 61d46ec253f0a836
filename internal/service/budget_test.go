package service

import (
	"testing"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
)

func budgetConfig() config.Budget {
	return config.Budget{
		TaskCeilingUSD:  10,
		WarnFraction:    0.8,
		DefaultEstimate: 1,
		PhaseEstimatesUSD: map[string]float64{
			string(phase.TeamExecution): 5,
		},
	}
}

func TestBudgetCheckBeforePhase(t *testing.T) {
	svc := NewCostBudgetService(budgetConfig(), discardLogger())

	tests := []struct {
		name      string
		phase     phase.Name
		spent     float64
		allowed   bool
		wantsWarn bool
	}{
		{"well under ceiling", phase.RequirementsAnalysis, 0, true, false},
		{"warn fraction crossed", phase.TeamExecution, 4, true, true},
		{"would exceed ceiling", phase.TeamExecution, 6, false, false},
		{"default estimate used", phase.AutoMerge, 8.5, true, true},
		{"exactly at ceiling allowed", phase.AutoMerge, 9, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := svc.CheckBeforePhase(tt.phase, tt.spent)
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.allowed)
			}
			if (d.Warning != "") != tt.wantsWarn {
				t.Errorf("Warning = %q, wantsWarn %v", d.Warning, tt.wantsWarn)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("a refusal must carry a reason")
			}
		})
	}
}

func TestBudgetEstimate(t *testing.T) {
	svc := NewCostBudgetService(budgetConfig(), discardLogger())
	if got := svc.Estimate(phase.TeamExecution); got != 5 {
		t.Errorf("Estimate(team_execution) = %v, want 5", got)
	}
	if got := svc.Estimate(phase.Fixer); got != 1 {
		t.Errorf("Estimate(fixer) = %v, want the default 1", got)
	}
}
