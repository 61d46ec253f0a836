package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
)

// requirementsPhase turns the task's natural-language description into an
// explicit requirements analysis produced by the analyst agent.
type requirementsPhase struct {
	base
}

func newRequirementsPhase(deps *PhaseDeps) *requirementsPhase {
	return &requirementsPhase{base{deps: deps, name: phase.RequirementsAnalysis}}
}

func (p *requirementsPhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	var repos strings.Builder
	for _, r := range octx.Repositories {
		fmt.Fprintf(&repos, "- %s (%s, default branch %s)\n", r.Name, r.ID, r.DefaultBranch)
	}

	prompt := fmt.Sprintf(`Analyze the following task and produce a requirements analysis.

Task: %s

%s

Repositories in scope:
%s
Cover: functional requirements, affected components per repository, edge
cases, and acceptance criteria. Be specific about which repository each
requirement lands in.`,
		octx.Task.Title, octx.Task.Description, repos.String())

	result, err := p.runAgent(ctx, octx, agentexec.Request{
		Role:      agentexec.RoleAnalyst,
		AgentName: "analyst",
		Prompt:    prompt,
	}, nil)
	if err != nil {
		return phase.Fail(err)
	}

	octx.RecordOutput(p.name, result.Output)
	return phase.OK(nil)
}
