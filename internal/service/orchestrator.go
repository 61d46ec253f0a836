package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/notifier"
)

// ErrAlreadyRunning is returned when a second orchestration of the same task
// starts while one is in flight in this process.
var ErrAlreadyRunning = errors.New("task orchestration already running")

// Coordinator drives a task through the fixed stage pipeline. It owns all
// cross-phase policy: pause/cancel flags, budget gating, retries, the fixer
// loop, approval suspension, and terminal status transitions. Phases never
// see each other; everything they share travels through the blackboard.
type Coordinator struct {
	cfg    *config.Config
	store  database.Store
	events *EventLog
	retry  *RetryService
	budget *CostBudgetService
	creds  *CredentialService
	notif  notifier.Notifier
	deps   *PhaseDeps
	log    *slog.Logger

	phases map[phase.Name]Phase
	qa     *integrationTestPhase
	fixer  *fixerPhase

	running sync.Map // task ID -> struct{}
	nowFn   func() time.Time
	// sleep is swapped out by tests to avoid real phase-delay pacing.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires the pipeline. deps carries the collaborators shared by
// every phase.
func NewCoordinator(cfg *config.Config, deps *PhaseDeps, retry *RetryService, budget *CostBudgetService, creds *CredentialService, notif notifier.Notifier) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		store:  deps.Store,
		events: deps.Events,
		retry:  retry,
		budget: budget,
		creds:  creds,
		notif:  notif,
		deps:   deps,
		log:    deps.Log,
		nowFn:  time.Now,
		sleep:  sleepCtx,
	}

	c.qa = newIntegrationTestPhase(deps)
	c.fixer = newFixerPhase(deps, c.qa.Failures)
	c.phases = map[phase.Name]Phase{
		phase.RequirementsAnalysis: newRequirementsPhase(deps),
		phase.RequirementsApproval: newApprovalPhase(deps, phase.RequirementsApproval),
		phase.TaskBreakdown:        newBreakdownPhase(deps),
		phase.PlanApproval:         newApprovalPhase(deps, phase.PlanApproval),
		phase.TeamExecution:        newTeamExecutionPhase(deps),
		phase.IntegrationTest:      c.qa,
		phase.MergeApproval:        newApprovalPhase(deps, phase.MergeApproval),
		phase.AutoMerge:            newAutoMergePhase(deps),
	}
	return c
}

// OrchestrateTask runs the pipeline from the first unfinished stage to the
// end, an approval suspension, or a failure. It is idempotent: completed
// stages are skipped, completed tasks are a no-op, and re-entry after an
// external approval resumes exactly where the run suspended.
func (c *Coordinator) OrchestrateTask(ctx context.Context, taskID string) (err error) {
	if _, loaded := c.running.LoadOrStore(taskID, struct{}{}); loaded {
		return fmt.Errorf("task %s: %w", taskID, ErrAlreadyRunning)
	}
	defer c.running.Delete(taskID)

	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrate %s: %w", taskID, err)
	}
	if t.Status.IsTerminal() {
		c.log.Info("task already terminal, nothing to do", "task_id", taskID, "status", t.Status)
		return nil
	}

	// Failsafe: no exit may leave the task in_progress. Paths that already
	// recorded the failure are terminal here and skipped.
	defer func() {
		if r := recover(); r != nil {
			err = fcerr.Newf(fcerr.KindFatal, "orchestration panic: %v", r)
		}
		if err != nil && !t.Status.IsTerminal() {
			c.failTask(ctx, t, t.Orchestration.CurrentPhase, err)
		}
	}()

	octx, err := c.prepare(ctx, t)
	if err != nil {
		c.failTask(ctx, t, t.Orchestration.CurrentPhase, err)
		return err
	}

	for _, name := range phase.Order() {
		ph := c.phases[name]
		if ph.ShouldSkip(octx) {
			t.SkipPhase(name)
			continue
		}

		if stop, err := c.checkFlags(ctx, t, name); err != nil || stop {
			return err
		}

		t.RecomputeTotals()
		decision := c.budget.CheckBeforePhase(name, t.Orchestration.TotalCostUSD)
		if !decision.Allowed {
			err := fcerr.New(fcerr.KindBudget, decision.Reason)
			c.failTask(ctx, t, name, err)
			return err
		}
		if decision.Warning != "" {
			octx.Warnings = append(octx.Warnings, decision.Warning)
			c.notify(ctx, t.ID, name, "Budget warning", decision.Warning, "warning")
		}

		res, err := c.runPhase(ctx, octx, ph)
		if name == phase.IntegrationTest && errors.Is(err, ErrTestsFailed) {
			res, err = c.fixAndRetest(ctx, octx)
		}
		if err != nil {
			c.failTask(ctx, t, name, err)
			return err
		}
		if res.NeedsApproval {
			t.Orchestration.CurrentPhase = name
			if err := c.store.SaveTask(ctx, t); err != nil {
				return err
			}
			c.notify(ctx, t.ID, name, "Approval required",
				fmt.Sprintf("stage %s is waiting for a decision", name), "info")
			return nil
		}

		octx.Warnings = append(octx.Warnings, res.Warnings...)
		octx.Compact(c.cfg.Pipeline.CompactionCutoff)
		if err := c.sleep(ctx, c.cfg.Pipeline.PhaseDelay); err != nil {
			return err
		}
	}

	return c.completeTask(ctx, octx)
}

// prepare loads the task's collaborator state and moves it to in_progress.
func (c *Coordinator) prepare(ctx context.Context, t *task.Task) (*OrchContext, error) {
	repos, err := c.store.GetRepositories(ctx, t.RepositoryIDs)
	if err != nil {
		return nil, fcerr.Wrap(fcerr.KindFatal, "load repositories", err)
	}
	if len(repos) != len(t.RepositoryIDs) {
		return nil, fcerr.Newf(fcerr.KindFatal, "task references %d repositories, %d found", len(t.RepositoryIDs), len(repos))
	}
	for _, r := range repos {
		if r.OwnerID != "" && r.OwnerID != t.UserID {
			return nil, fcerr.Newf(fcerr.KindFatal, "repository %s is owned by another user", r.ID)
		}
		if r.CloneURL == "" || r.DefaultBranch == "" {
			return nil, fcerr.Newf(fcerr.KindFatal, "repository %s is missing required metadata", r.ID)
		}
	}

	octx := NewOrchContext(t, repos)

	cred, err := c.creds.Resolve(ctx, t.ID, t.UserID)
	if err != nil {
		return nil, err
	}
	octx.Credential = cred

	// Retained phase outputs do not survive a restart; completed steps keep a
	// truncated copy so downstream prompts still have something to stand on.
	for _, name := range phase.Order() {
		if s, ok := t.Orchestration.Steps[name]; ok && s.Status == task.StepCompleted && s.Output != "" {
			octx.RecordOutput(name, s.Output)
		}
	}

	if t.Status == task.StatusPending {
		t.Status = task.StatusInProgress
		if err := c.store.SaveTask(ctx, t); err != nil {
			return nil, err
		}
	}
	return octx, nil
}

// checkFlags re-reads the task's pause/cancel flags from storage. The
// in-memory copy is never trusted: an operator may have flipped them from
// another process since the last stage.
func (c *Coordinator) checkFlags(ctx context.Context, t *task.Task, next phase.Name) (stop bool, err error) {
	flags, err := c.store.GetFlags(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("read flags for %s: %w", t.ID, err)
	}
	if flags.CancelRequested {
		c.log.Info("cancel requested, stopping", "task_id", t.ID, "before_phase", next)
		if err := c.store.UpdateTaskStatus(ctx, t.ID, task.StatusCancelled); err != nil {
			return true, err
		}
		_ = c.events.Emit(ctx, t.ID, event.TypeTaskCancelled, "coordinator", nil)
		c.notify(ctx, t.ID, next, "Task cancelled", "orchestration stopped before "+string(next), "warning")
		return true, nil
	}
	if flags.Paused {
		c.log.Info("task paused, suspending", "task_id", t.ID, "before_phase", next)
		c.notify(ctx, t.ID, next, "Task paused", "orchestration suspended before "+string(next), "info")
		return true, c.store.SaveTask(ctx, t)
	}
	return false, nil
}

// runPhase executes one stage with retry and records its terminal step state.
// A NeedsApproval result leaves the step in_progress on purpose: the stage is
// not finished until a human decides.
func (c *Coordinator) runPhase(ctx context.Context, octx *OrchContext, ph Phase) (phase.Result, error) {
	t := octx.Task
	name := ph.Name()

	if err := t.StartPhase(name, c.nowFn()); err != nil {
		return phase.Result{}, err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return phase.Result{}, err
	}
	_ = c.events.Emit(ctx, t.ID, event.TypePhaseStarted, "coordinator",
		event.PhasePayload{Phase: string(name)})

	var res phase.Result
	onRetry := func(attempt int, rerr error) {
		c.notify(ctx, t.ID, name, "Retrying stage",
			fmt.Sprintf("attempt %d of %s failed with a transient error: %v", attempt, name, rerr), "warning")
	}
	err := c.retry.Do(ctx, string(name), onRetry, func(ctx context.Context) error {
		res = ph.Execute(ctx, octx)
		return res.Err
	})
	if err != nil {
		t.FailPhase(name, c.nowFn(), err.Error())
		_ = c.events.Emit(ctx, t.ID, event.TypePhaseFailed, "coordinator",
			event.PhasePayload{Phase: string(name), Error: err.Error()})
		_ = c.store.SaveTask(ctx, t)
		return res, err
	}
	if res.NeedsApproval {
		return res, nil
	}

	step := t.Step(name)
	t.CompletePhase(name, c.nowFn(), 0, 0, 0, truncate(string(res.Data), 4000))
	_ = c.events.Emit(ctx, t.ID, event.TypePhaseCompleted, "coordinator",
		event.PhasePayload{Phase: string(name), CostUSD: step.CostUSD})
	if err := c.store.SaveTask(ctx, t); err != nil {
		return res, err
	}
	return res, nil
}

// fixAndRetest runs the fixer and re-runs the test stage, up to the
// configured number of rounds. The last test result wins.
func (c *Coordinator) fixAndRetest(ctx context.Context, octx *OrchContext) (phase.Result, error) {
	var res phase.Result
	err := ErrTestsFailed
	for round := 1; round <= c.cfg.Pipeline.FixerRounds && errors.Is(err, ErrTestsFailed); round++ {
		c.log.Info("invoking fixer", "task_id", octx.Task.ID, "round", round)
		if _, ferr := c.runPhase(ctx, octx, c.fixer); ferr != nil {
			return phase.Result{}, ferr
		}
		res, err = c.runPhase(ctx, octx, c.qa)
	}
	return res, err
}

// completeTask finalizes a fully merged task.
func (c *Coordinator) completeTask(ctx context.Context, octx *OrchContext) error {
	t := octx.Task
	t.RecomputeTotals()
	t.Status = task.StatusCompleted
	t.Orchestration.CurrentPhase = ""
	if err := c.store.SaveTask(ctx, t); err != nil {
		return err
	}
	_ = c.events.Emit(ctx, t.ID, event.TypeTaskCompleted, "coordinator", nil)

	if octx.WorkspacePath != "" {
		if err := c.deps.Workspace.Cleanup(ctx, octx.WorkspacePath); err != nil {
			c.log.Warn("workspace cleanup failed", "task_id", t.ID, "error", err)
		}
	}

	c.notify(ctx, t.ID, "", "Task completed",
		fmt.Sprintf("all stages finished; total cost $%.2f over %d tokens",
			t.Orchestration.TotalCostUSD, t.Orchestration.TotalTokens), "success")
	c.log.Info("task completed",
		"task_id", t.ID, "cost_usd", t.Orchestration.TotalCostUSD, "tokens", t.Orchestration.TotalTokens)
	return nil
}

// failTask records a terminal failure. The task never stays in_progress
// after an orchestration error.
func (c *Coordinator) failTask(ctx context.Context, t *task.Task, name phase.Name, cause error) {
	t.RecomputeTotals()
	t.Status = task.StatusFailed
	if err := c.store.SaveTask(ctx, t); err != nil {
		c.log.Error("persisting failed task state", "task_id", t.ID, "error", err)
		_ = c.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed)
	}
	_ = c.events.Emit(ctx, t.ID, event.TypeTaskFailed, "coordinator",
		event.PhasePayload{Phase: string(name), Error: cause.Error()})
	c.notify(ctx, t.ID, name, "Task failed", cause.Error(), "error")
	c.log.Error("task failed",
		"task_id", t.ID, "phase", name, "kind", fcerr.Classify(cause).String(), "error", cause)
}

// Approve records a human approval on a gate. The caller re-enters
// OrchestrateTask to resume the pipeline.
func (c *Coordinator) Approve(ctx context.Context, taskID string, gate phase.Name, actor, comments string) error {
	return c.decide(ctx, taskID, gate, true, actor, comments)
}

// Reject records a rejection and fails the task; a rejected gate is final.
func (c *Coordinator) Reject(ctx context.Context, taskID string, gate phase.Name, actor, comments string) error {
	return c.decide(ctx, taskID, gate, false, actor, comments)
}

func (c *Coordinator) decide(ctx context.Context, taskID string, gate phase.Name, approved bool, actor, comments string) error {
	if !phase.IsApproval(gate) {
		return fcerr.Newf(fcerr.KindValidation, "%s is not an approval gate", gate)
	}
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fcerr.Newf(fcerr.KindValidation, "task %s is %s; gates are closed", taskID, t.Status)
	}

	now := c.nowFn()
	t.RecordApproval(gate, approved, actor, comments, now)
	if approved {
		t.CompletePhase(gate, now, 0, 0, 0, "")
	} else {
		t.FailPhase(gate, now, fmt.Sprintf("rejected by %s", actor))
		t.Status = task.StatusFailed
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return err
	}
	_ = c.events.Emit(ctx, taskID, event.TypeApprovalRecorded, actor,
		event.ApprovalPayload{Phase: string(gate), Approved: approved, Actor: actor, Comments: comments})
	if !approved {
		c.notify(ctx, taskID, gate, "Gate rejected", comments, "error")
	}
	return nil
}

// Pause suspends orchestration before the next stage boundary.
func (c *Coordinator) Pause(ctx context.Context, taskID, actor string) error {
	return c.store.SetPaused(ctx, taskID, true, actor)
}

// Resume clears the pause flag. The caller re-enters OrchestrateTask.
func (c *Coordinator) Resume(ctx context.Context, taskID, actor string) error {
	return c.store.SetPaused(ctx, taskID, false, actor)
}

// RequestCancel flags the task for cancellation at the next stage boundary.
func (c *Coordinator) RequestCancel(ctx context.Context, taskID, actor string) error {
	return c.store.RequestCancel(ctx, taskID, actor)
}

// notify delivers a progress notification; failures are logged, never
// propagated.
func (c *Coordinator) notify(ctx context.Context, taskID string, name phase.Name, title, message, level string) {
	if c.notif == nil {
		return
	}
	err := c.notif.Send(ctx, notifier.Notification{
		TaskID:  taskID,
		Phase:   string(name),
		Title:   title,
		Message: message,
		Level:   level,
		Source:  "coordinator",
	})
	if err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
		c.log.Warn("notification failed", "task_id", taskID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
