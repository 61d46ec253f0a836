package service

import (
	"context"
	"fmt"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
)

// fixerPhase repairs failing integration tests. It sits outside the regular
// stage order: the coordinator invokes it directly after a recoverable test
// failure, then re-runs the test stage.
type fixerPhase struct {
	base

	failures func() []TestFailure
}

func newFixerPhase(deps *PhaseDeps, failures func() []TestFailure) *fixerPhase {
	return &fixerPhase{
		base:     base{deps: deps, name: phase.Fixer},
		failures: failures,
	}
}

// ShouldSkip always re-runs: the fixer only exists because the previous test
// run was red.
func (p *fixerPhase) ShouldSkip(*OrchContext) bool { return false }

func (p *fixerPhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	failures := p.failures()
	if len(failures) == 0 {
		return phase.Fail(fcerr.New(fcerr.KindFatal, "fixer invoked without failing tests"))
	}

	for _, f := range failures {
		repoDir := p.deps.Workspace.RepoDir(octx.WorkspacePath, f.RepositoryID)
		if err := p.deps.Git.Checkout(ctx, repoDir, f.BranchName); err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "checkout for fix", err))
		}

		prompt := fmt.Sprintf(`The test suite on branch %s is failing. Diagnose and fix
the failures without changing the intent of the implemented stories.

Test output:
%s

Fix the code or the tests, whichever is wrong, then make sure the suite passes.`,
			f.BranchName, tail(f.Output, 8000))

		mon := p.deps.Supervisor.Watch(octx.Task.ID, "fixer:"+f.RepositoryID, repoDir)
		_, err := p.runAgent(ctx, octx, agentexec.Request{
			Role:          agentexec.RoleFixer,
			AgentName:     "fixer",
			Prompt:        prompt,
			WorkspacePath: repoDir,
			ModelID:       p.deps.Cfg.Agent.ModelID,
		}, mon)
		if err != nil {
			return phase.Fail(err)
		}

		stats, err := p.deps.Workspace.DiffStats(ctx, repoDir)
		if err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "inspect fix diff", err))
		}
		if stats.Empty() {
			p.deps.Log.Warn("fixer produced no changes",
				"task_id", octx.Task.ID, "repository_id", f.RepositoryID)
			continue
		}
		if err := p.deps.Git.Commit(ctx, repoDir, "Fix failing integration tests"); err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "commit fix", err))
		}
		if err := p.deps.Git.Push(ctx, repoDir, f.BranchName); err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "push fix", err))
		}
		p.deps.Log.Info("fix committed",
			"task_id", octx.Task.ID, "repository_id", f.RepositoryID,
			"files_changed", stats.FilesChanged)
	}

	return phase.OK(nil)
}
