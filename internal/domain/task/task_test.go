package task

import (
	"errors"
	"testing"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
)

func TestStartPhase_SingleActiveInvariant(t *testing.T) {
	tk := &Task{ID: "t1"}
	now := time.Now()

	if err := tk.StartPhase(phase.RequirementsAnalysis, now); err != nil {
		t.Fatalf("start first phase: %v", err)
	}
	if err := tk.StartPhase(phase.TaskBreakdown, now); !errors.Is(err, ErrPhaseActive) {
		t.Fatalf("expected ErrPhaseActive, got %v", err)
	}

	tk.CompletePhase(phase.RequirementsAnalysis, now, 100, 200, 0.5, "analysis")
	if err := tk.StartPhase(phase.TaskBreakdown, now); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	if got := tk.ActivePhase(); got != phase.TaskBreakdown {
		t.Fatalf("expected active task_breakdown, got %s", got)
	}
}

func TestStartPhase_SamePhaseRetryAllowed(t *testing.T) {
	tk := &Task{ID: "t1"}
	now := time.Now()

	if err := tk.StartPhase(phase.TeamExecution, now); err != nil {
		t.Fatal(err)
	}
	// Re-starting the same phase (retry attempt) is allowed.
	if err := tk.StartPhase(phase.TeamExecution, now); err != nil {
		t.Fatalf("restart same phase: %v", err)
	}
	if tk.Step(phase.TeamExecution).Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", tk.Step(phase.TeamExecution).Attempts)
	}
}

func TestRecomputeTotals_SumsStepsAndTeam(t *testing.T) {
	now := time.Now()
	tk := &Task{ID: "t1"}
	tk.CompletePhase(phase.RequirementsAnalysis, now, 100, 50, 0.5, "")
	tk.CompletePhase(phase.TaskBreakdown, now, 200, 100, 1.0, "")
	tk.Orchestration.Team = []TeamMember{
		{InstanceID: "dev-1", CostUSD: 2.5, TokensIn: 1000, TokensOut: 400},
		{InstanceID: "dev-2", CostUSD: 1.5, TokensIn: 600, TokensOut: 200},
	}

	// Seed bogus running totals; recompute must not trust them.
	tk.Orchestration.TotalCostUSD = 99
	tk.Orchestration.TotalTokens = 99

	tk.RecomputeTotals()
	if tk.Orchestration.TotalCostUSD != 5.5 {
		t.Errorf("expected total cost 5.5, got %v", tk.Orchestration.TotalCostUSD)
	}
	if tk.Orchestration.TotalTokens != 2650 {
		t.Errorf("expected total tokens 2650, got %d", tk.Orchestration.TotalTokens)
	}
}

func TestApproved_LatestDecisionWins(t *testing.T) {
	tk := &Task{ID: "t1"}
	now := time.Now()
	tk.RecordApproval(phase.PlanApproval, true, "alice", "", now)
	if !tk.Approved(phase.PlanApproval) {
		t.Fatal("expected approved")
	}
	tk.RecordApproval(phase.PlanApproval, false, "bob", "changed my mind", now.Add(time.Minute))
	if tk.Approved(phase.PlanApproval) {
		t.Fatal("later rejection must override earlier approval")
	}
	if tk.Approved(phase.MergeApproval) {
		t.Fatal("gate with no history is not approved")
	}
}

func TestAutoApproved(t *testing.T) {
	tk := &Task{ID: "t1"}
	if tk.AutoApproved(phase.PlanApproval) {
		t.Fatal("auto approval disabled by default")
	}

	tk.Orchestration.AutoApprovalEnabled = true
	if !tk.AutoApproved(phase.PlanApproval) {
		t.Fatal("empty phase list means all gates auto-approve")
	}

	tk.Orchestration.AutoApprovalPhases = []phase.Name{phase.RequirementsApproval}
	if tk.AutoApproved(phase.PlanApproval) {
		t.Fatal("plan approval not in the auto list")
	}
	if !tk.AutoApproved(phase.RequirementsApproval) {
		t.Fatal("requirements approval is in the auto list")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
