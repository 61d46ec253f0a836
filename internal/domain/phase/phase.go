// Package phase defines the fixed pipeline stages and the result value a
// stage returns to the coordinator.
package phase

import "encoding/json"

// Name identifies a pipeline stage.
type Name string

const (
	RequirementsAnalysis Name = "requirements_analysis"
	RequirementsApproval Name = "requirements_approval"
	TaskBreakdown        Name = "task_breakdown"
	PlanApproval         Name = "plan_approval"
	TeamExecution        Name = "team_execution"
	IntegrationTest      Name = "integration_test"
	MergeApproval        Name = "merge_approval"
	AutoMerge            Name = "auto_merge"

	// Fixer is not part of the fixed order; the coordinator invokes it only
	// after a recoverable integration-test failure.
	Fixer Name = "fixer"
)

// Order is the fixed execution sequence. The coordinator iterates it from the
// first non-completed stage; no stage ever runs out of order.
func Order() []Name {
	return []Name{
		RequirementsAnalysis,
		RequirementsApproval,
		TaskBreakdown,
		PlanApproval,
		TeamExecution,
		IntegrationTest,
		MergeApproval,
		AutoMerge,
	}
}

// Valid reports whether n is a known stage name (including Fixer).
func Valid(n Name) bool {
	switch n {
	case RequirementsAnalysis, RequirementsApproval, TaskBreakdown, PlanApproval,
		TeamExecution, IntegrationTest, MergeApproval, AutoMerge, Fixer:
		return true
	}
	return false
}

// IsApproval reports whether n is a human approval gate.
func IsApproval(n Name) bool {
	switch n {
	case RequirementsApproval, PlanApproval, MergeApproval:
		return true
	}
	return false
}

// Result is the only value a stage may return to the coordinator. Expected
// failures travel in Err; panics are reserved for programmer errors.
type Result struct {
	Success       bool
	Data          json.RawMessage
	Err           error
	NeedsApproval bool
	Warnings      []string
}

// OK returns a successful result carrying data.
func OK(data json.RawMessage) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed result carrying a classified error.
func Fail(err error) Result {
	return Result{Success: false, Err: err}
}

// Await returns a result that suspends the pipeline until a human approves.
func Await() Result {
	return Result{Success: true, NeedsApproval: true}
}
