package service

import (
	"context"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
)

// approvalPhase is a human gate. It never blocks: when the gate has no
// approval yet the phase loop simply returns, and an external approval
// re-enters orchestration later.
type approvalPhase struct {
	base
}

func newApprovalPhase(deps *PhaseDeps, gate phase.Name) *approvalPhase {
	return &approvalPhase{base{deps: deps, name: gate}}
}

func (p *approvalPhase) ShouldSkip(octx *OrchContext) bool {
	if p.base.ShouldSkip(octx) {
		return true
	}
	return octx.Task.AutoApproved(p.name)
}

func (p *approvalPhase) Execute(_ context.Context, octx *OrchContext) phase.Result {
	if octx.Task.Approved(p.name) {
		return phase.OK(nil)
	}

	p.deps.Log.Info("awaiting human approval", "task_id", octx.Task.ID, "gate", p.name)
	return phase.Await()
}
