package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
)

// ErrTestsFailed marks an integration-test failure that the fixer may still
// recover from. The coordinator checks for it before giving up on the task.
var ErrTestsFailed = errors.New("integration tests failed")

// TestFailure captures one repository's failing test run for the fixer prompt.
type TestFailure struct {
	RepositoryID string `json:"repository_id"`
	BranchName   string `json:"branch_name"`
	Output       string `json:"output"`
}

// integrationTestPhase runs every epic branch's test suite in its checkout.
// Infrastructure errors are transient; red tests are an ErrTestsFailed result
// the coordinator can hand to the fixer.
type integrationTestPhase struct {
	base

	// failures from the last run, consumed by the fixer phase.
	lastFailures []TestFailure
}

func newIntegrationTestPhase(deps *PhaseDeps) *integrationTestPhase {
	return &integrationTestPhase{base: base{deps: deps, name: phase.IntegrationTest}}
}

func (p *integrationTestPhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	if err := p.ensureWorkspace(ctx, octx); err != nil {
		return phase.Fail(err)
	}

	p.lastFailures = nil
	var failures []TestFailure
	for _, epic := range octx.Task.Orchestration.Epics {
		if !epicHasCompletedStory(epic) {
			continue
		}
		repoDir := p.deps.Workspace.RepoDir(octx.WorkspacePath, epic.RepositoryID)
		if err := p.deps.Git.Checkout(ctx, repoDir, epic.BranchName); err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "checkout epic branch", err))
		}

		report, err := p.deps.Workspace.RunTests(ctx, repoDir)
		if err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "run tests", err))
		}
		if report.Passed {
			p.deps.Log.Info("integration tests passed",
				"task_id", octx.Task.ID, "repository_id", epic.RepositoryID, "branch", epic.BranchName)
			continue
		}
		failures = append(failures, TestFailure{
			RepositoryID: epic.RepositoryID,
			BranchName:   epic.BranchName,
			Output:       report.Output,
		})
	}

	if len(failures) > 0 {
		p.lastFailures = failures
		summary := make([]string, 0, len(failures))
		for _, f := range failures {
			summary = append(summary, f.RepositoryID)
		}
		// Deliberately unclassified: red tests are not retryable, and the
		// coordinator inspects the sentinel before the kind.
		return phase.Fail(fmt.Errorf("tests red in %s: %w", strings.Join(summary, ", "), ErrTestsFailed))
	}

	out, _ := json.Marshal(map[string]string{"result": "all test suites green"})
	octx.RecordOutput(p.name, string(out))
	return phase.OK(out)
}

// Failures returns the failing test runs from the most recent execution.
func (p *integrationTestPhase) Failures() []TestFailure { return p.lastFailures }

func epicHasCompletedStory(e task.Epic) bool {
	for _, s := range e.Stories {
		if s.Status == task.StoryCompleted {
			return true
		}
	}
	return false
}
