package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/gitprovider"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
	"github.com/forgecrew/forgecrew/internal/resilience"
)

// Phase is the uniform lifecycle every pipeline stage implements.
// ShouldSkip is a pure read of persisted state, used for resumption.
// Execute does the work and never returns an error for expected failure
// modes; those travel inside the Result.
type Phase interface {
	Name() phase.Name
	ShouldSkip(octx *OrchContext) bool
	Execute(ctx context.Context, octx *OrchContext) phase.Result
}

// PhaseDeps bundles the collaborators shared by all phases.
type PhaseDeps struct {
	Cfg        *config.Config
	Store      database.Store
	Events     *EventLog
	Exec       agentexec.Executor
	Breaker    *resilience.Breaker
	Supervisor *ExecutionSupervisor
	Schema     *SchemaValidationService
	Secrets    *SecretsDetectionService
	Git        gitprovider.Provider
	Workspace  workspace.Provisioner
	Merge      *MergeService
	Log        *slog.Logger
}

// base provides the default skip rule: a stage already completed is skipped
// on resumption unless the task is a continuation requiring full
// re-execution.
type base struct {
	deps *PhaseDeps
	name phase.Name

	stepMu sync.Mutex // team execution runs agents from concurrent goroutines
}

func (b *base) Name() phase.Name { return b.name }

func (b *base) ShouldSkip(octx *OrchContext) bool {
	if octx.Task.Orchestration.Continuation {
		return false
	}
	return octx.Task.PhaseCompleted(b.name)
}

// ensureWorkspace provisions the task workspace on first use. Provisioning
// is idempotent, so a resumed run lands on the same checkouts.
func (b *base) ensureWorkspace(ctx context.Context, octx *OrchContext) error {
	if octx.WorkspacePath != "" {
		return nil
	}
	path, err := b.deps.Workspace.Provision(ctx, octx.Task.ID, octx.Task.RepositoryIDs)
	if err != nil {
		return fcerr.Wrap(fcerr.KindFatal, "provision workspace", err)
	}
	octx.WorkspacePath = path
	return nil
}

// runAgent executes one agent call through the circuit breaker, redacts its
// output, and accounts its usage onto the step record for this phase.
func (b *base) runAgent(ctx context.Context, octx *OrchContext, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
	req.TaskID = octx.Task.ID
	req.Credential = octx.Credential
	if req.WorkspacePath == "" {
		req.WorkspacePath = octx.WorkspacePath
	}

	var result *agentexec.Result
	err := b.deps.Breaker.Execute(func() error {
		var execErr error
		result, execErr = b.deps.Exec.Execute(ctx, req, mon)
		return execErr
	})
	if err == resilience.ErrCircuitOpen {
		return nil, fcerr.Wrap(fcerr.KindTransient, "agent backend unavailable", err)
	}
	if err != nil {
		return nil, err
	}

	if b.deps.Secrets != nil {
		clean, n := b.deps.Secrets.Redact(result.Output)
		if n > 0 {
			b.deps.Log.Warn("agent output redacted",
				"task_id", octx.Task.ID, "phase", b.name, "agent", req.AgentName, "secrets", n)
		}
		result.Output = clean
	}

	b.stepMu.Lock()
	step := octx.Task.Step(b.name)
	step.TokensIn += result.Usage.InputTokens
	step.TokensOut += result.Usage.OutputTokens
	step.CostUSD += result.CostUSD
	b.stepMu.Unlock()
	return result, nil
}

// runStructured runs an agent call whose output must satisfy a schema
// contract, re-prompting with the validation error up to the configured
// repair limit. Exhausting repairs is a blocking validation failure.
func (b *base) runStructured(ctx context.Context, octx *OrchContext, req agentexec.Request, contract string) (json.RawMessage, error) {
	basePrompt := req.Prompt
	var lastErr error
	for attempt := 0; attempt <= b.deps.Cfg.Pipeline.SchemaRepairLimit; attempt++ {
		if attempt > 0 {
			req.Prompt = fmt.Sprintf(
				"%s\n\nYour previous response was rejected: %v\nRespond again with JSON that satisfies the required structure.",
				basePrompt, lastErr)
			b.deps.Log.Warn("structured output repair attempt",
				"task_id", octx.Task.ID, "phase", b.name, "contract", contract, "attempt", attempt)
		}
		result, err := b.runAgent(ctx, octx, req, nil)
		if err != nil {
			return nil, err
		}
		data, err := b.deps.Schema.Validate(contract, result.Output)
		if err == nil {
			return data, nil
		}
		if !fcerr.IsValidation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fcerr.Wrap(fcerr.KindValidation,
		fmt.Sprintf("agent output never satisfied the %s contract after %d repairs", contract, b.deps.Cfg.Pipeline.SchemaRepairLimit),
		lastErr)
}
