package phase

import "testing"

func TestOrder_FixedSequence(t *testing.T) {
	want := []Name{
		RequirementsAnalysis, RequirementsApproval, TaskBreakdown, PlanApproval,
		TeamExecution, IntegrationTest, MergeApproval, AutoMerge,
	}
	got := Order()
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestOrder_ExcludesFixer(t *testing.T) {
	for _, n := range Order() {
		if n == Fixer {
			t.Fatal("fixer must not be part of the fixed order")
		}
	}
	if !Valid(Fixer) {
		t.Fatal("fixer is still a valid stage name")
	}
}

func TestIsApproval(t *testing.T) {
	approvals := 0
	for _, n := range Order() {
		if IsApproval(n) {
			approvals++
		}
	}
	if approvals != 3 {
		t.Fatalf("expected 3 approval gates, got %d", approvals)
	}
	if IsApproval(TeamExecution) {
		t.Error("team_execution is not an approval gate")
	}
}
