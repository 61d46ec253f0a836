package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/conflict"
	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
	"github.com/forgecrew/forgecrew/internal/resilience"
)

const breakdownJSON = `{
  "epics": [
    {
      "repository_id": "repo-1",
      "name": "Core work",
      "stories": [
        {"title": "Story one", "files_to_modify": ["a.go"]},
        {"title": "Story two", "files_to_create": ["b.go"]}
      ]
    }
  ]
}`

type orchFixture struct {
	cfg    *config.Config
	store  *memStore
	events *memEvents
	exec   *fakeExecutor
	git    *fakeGit
	ws     *fakeWorkspace
	notif  *recNotifier
	deps   *PhaseDeps
	coord  *Coordinator
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pipeline.PhaseDelay = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Credential.SealKey = "test-seal"
	t.Setenv(cfg.Credential.FallbackEnv, "test-api-key")

	log := discardLogger()
	store := newMemStore()
	events := newMemEvents()
	elog := NewEventLog(events, newMemCache(), noopBroadcast{}, nil, cfg.Cache, log)
	exec := &fakeExecutor{}
	git := newFakeGit()
	ws := newFakeWorkspace()

	schema, err := NewSchemaValidationService(map[string]json.RawMessage{
		BreakdownContract: json.RawMessage(BreakdownSchema),
	})
	if err != nil {
		t.Fatal(err)
	}
	creds, err := NewCredentialService(store, cfg.Credential, log)
	if err != nil {
		t.Fatal(err)
	}

	deps := &PhaseDeps{
		Cfg:        &cfg,
		Store:      store,
		Events:     elog,
		Exec:       exec,
		Breaker:    resilience.NewBreaker(5, time.Second),
		Supervisor: NewExecutionSupervisor(cfg.Supervisor, ws, log),
		Schema:     schema,
		Git:        git,
		Workspace:  ws,
		Merge:      NewMergeService(git, ws, log),
		Log:        log,
	}

	f := &orchFixture{
		cfg: &cfg, store: store, events: events,
		exec: exec, git: git, ws: ws, notif: &recNotifier{}, deps: deps,
	}
	f.coord = NewCoordinator(&cfg, deps,
		NewRetryService(cfg.Retry, log),
		NewCostBudgetService(cfg.Budget, log),
		creds, f.notif)
	exec.script = f.defaultScript
	return f
}

// defaultScript plays a cooperative agent for every role.
func (f *orchFixture) defaultScript(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
	switch req.Role {
	case agentexec.RoleAnalyst:
		return okResult("Requirements: build the thing."), nil
	case agentexec.RoleArchitect:
		// Breakdown runs before the workspace exists; epic-level refinement
		// runs inside a checkout.
		if req.WorkspacePath != "" {
			return okResult("Keep handlers thin and return wrapped errors."), nil
		}
		return okResult("```json\n" + breakdownJSON + "\n```"), nil
	case agentexec.RoleDeveloper, agentexec.RoleFixer:
		if err := driveTurns(ctx, mon, 4, agentexec.ActionWrite); err != nil {
			return nil, err
		}
		return okResult("implemented"), nil
	case agentexec.RoleReviewer:
		return okResult("VERDICT: approve\nLooks correct."), nil
	}
	return okResult("ok"), nil
}

// driveTurns feeds turn events to the monitor the way a real execution
// stream would, honoring an abort.
func driveTurns(ctx context.Context, mon agentexec.Monitor, n int, action agentexec.Action) error {
	if mon == nil {
		return nil
	}
	for i := 1; i <= n; i++ {
		if err := mon.OnTurn(ctx, agentexec.TurnEvent{Turn: i, Action: action, At: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

func (f *orchFixture) seedTask(t *testing.T, autoApprove bool) string {
	t.Helper()
	ctx := context.Background()
	f.store.repos["repo-1"] = database.Repository{
		ID: "repo-1", Name: "core", CloneURL: "https://git.example/core.git", DefaultBranch: "main",
	}
	tk := &task.Task{
		ID:            "task-1",
		UserID:        "user-1",
		Title:         "Add feature",
		Description:   "Do the work across the repo.",
		Status:        task.StatusPending,
		RepositoryIDs: []string{"repo-1"},
		Orchestration: task.Orchestration{AutoApprovalEnabled: autoApprove},
	}
	if err := f.store.SaveTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	return tk.ID
}

func (f *orchFixture) getTask(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestOrchestrateAutoApprovedTaskCompletes(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", tk.Status)
	}
	for _, name := range []phase.Name{phase.RequirementsAnalysis, phase.TaskBreakdown, phase.TeamExecution, phase.IntegrationTest, phase.AutoMerge} {
		if !tk.PhaseCompleted(name) {
			t.Errorf("phase %s not completed", name)
		}
	}
	if tk.Orchestration.TotalCostUSD <= 0 || tk.Orchestration.TotalTokens <= 0 {
		t.Errorf("totals not recomputed: cost=%v tokens=%v", tk.Orchestration.TotalCostUSD, tk.Orchestration.TotalTokens)
	}

	if got := len(f.events.byType(id, event.TypePullRequestOpened)); got != 2 {
		t.Errorf("pr.opened events = %d, want one per story", got)
	}
	if got := len(f.events.byType(id, event.TypeEpicMerged)); got != 1 {
		t.Errorf("epic.merged events = %d, want 1", got)
	}
	if got := len(f.events.byType(id, event.TypeTaskCompleted)); got != 1 {
		t.Errorf("task.completed events = %d, want 1", got)
	}
	if len(f.ws.cleaned) != 1 {
		t.Errorf("workspace cleanups = %d, want 1", len(f.ws.cleaned))
	}

	// Re-entry on a terminal task is a no-op.
	calls := len(f.exec.calls)
	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("re-entry: %v", err)
	}
	if len(f.exec.calls) != calls {
		t.Error("re-entering a completed task must not run agents")
	}
}

func TestOrchestrateSuspendsAtApprovalGatesAndResumes(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, false)
	ctx := context.Background()

	// First run stops at the requirements gate.
	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	tk := f.getTask(t, id)
	if tk.Status != task.StatusInProgress {
		t.Fatalf("status = %s, want in_progress while awaiting approval", tk.Status)
	}
	if tk.Orchestration.CurrentPhase != phase.RequirementsApproval {
		t.Fatalf("current phase = %s, want requirements_approval", tk.Orchestration.CurrentPhase)
	}
	if tk.PhaseCompleted(phase.TaskBreakdown) {
		t.Fatal("no stage past the gate may run before approval")
	}
	found := false
	for _, title := range f.notif.titles() {
		if title == "Approval required" {
			found = true
		}
	}
	if !found {
		t.Error("suspension must notify for approval")
	}

	gates := []phase.Name{phase.RequirementsApproval, phase.PlanApproval, phase.MergeApproval}
	for _, gate := range gates {
		if err := f.coord.Approve(ctx, id, gate, "alice", "lgtm"); err != nil {
			t.Fatalf("approve %s: %v", gate, err)
		}
		if err := f.coord.OrchestrateTask(ctx, id); err != nil {
			t.Fatalf("resume after %s: %v", gate, err)
		}
	}

	tk = f.getTask(t, id)
	if tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after all gates", tk.Status)
	}
	if got := len(tk.Orchestration.ApprovalHistory); got != 3 {
		t.Errorf("approval history = %d entries, want 3", got)
	}
	if got := len(f.events.byType(id, event.TypeApprovalRecorded)); got != 3 {
		t.Errorf("approval.recorded events = %d, want 3", got)
	}
	// Completed stages are skipped on every resume.
	if got := f.exec.callsFor(agentexec.RoleAnalyst); got != 1 {
		t.Errorf("analyst calls = %d, want 1 across all resumes", got)
	}
	if got := f.exec.callsFor(agentexec.RoleArchitect); got != 2 {
		t.Errorf("architect calls = %d, want breakdown plus one epic refinement across all resumes", got)
	}
}

func TestOrchestrateRejectedGateFailsTask(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, false)
	ctx := context.Background()

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Reject(ctx, id, phase.RequirementsApproval, "bob", "wrong direction"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed after rejection", tk.Status)
	}
	if f.exec.callsFor(agentexec.RoleArchitect) != 0 {
		t.Error("no stage may run after a rejected gate")
	}
}

func TestOrchestratePausedTaskDoesNotRun(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	if err := f.coord.Pause(ctx, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}
	if got := len(f.exec.calls); got != 0 {
		t.Fatalf("agent calls = %d while paused, want 0", got)
	}
	if tk := f.getTask(t, id); tk.Status.IsTerminal() {
		t.Fatalf("paused task went terminal: %s", tk.Status)
	}

	if err := f.coord.Resume(ctx, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	if tk := f.getTask(t, id); tk.Status != task.StatusCompleted {
		t.Errorf("status = %s after resume, want completed", tk.Status)
	}
}

func TestOrchestrateCancelStopsBeforeNextPhase(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	if err := f.coord.RequestCancel(ctx, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypeTaskCancelled)); got != 1 {
		t.Errorf("task.cancelled events = %d, want 1", got)
	}
	if len(f.exec.calls) != 0 {
		t.Error("no agent may run after cancellation")
	}
}

func TestOrchestrateOverlappingBreakdownFailsValidation(t *testing.T) {
	f := newOrchFixture(t)
	f.store.repos["repo-2"] = database.Repository{
		ID: "repo-2", Name: "aux", CloneURL: "https://git.example/aux.git", DefaultBranch: "main",
	}
	id := f.seedTask(t, true)
	ctx := context.Background()

	tk := f.getTask(t, id)
	tk.RepositoryIDs = append(tk.RepositoryIDs, "repo-2")
	if err := f.store.SaveTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	overlapping := `{"epics": [
	  {"repository_id": "repo-1", "name": "One", "stories": [{"title": "A", "files_to_modify": ["shared.go"]}]},
	  {"repository_id": "repo-2", "name": "Two", "stories": [{"title": "B", "files_to_modify": ["shared.go"]}]}
	]}`
	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleArchitect {
			return okResult(overlapping), nil
		}
		return f.defaultScript(ctx, req, mon)
	}

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want validation failure")
	}
	if !strings.Contains(err.Error(), "overlapping") {
		t.Errorf("error = %v, want overlapping-work rejection", err)
	}

	tk = f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if f.exec.callsFor(agentexec.RoleDeveloper) != 0 {
		t.Error("team execution must never start on an invalid plan")
	}
}

func TestOrchestrateStagnationFailsOnlyOwningStory(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleDeveloper && strings.Contains(req.Prompt, "Story one") {
			// Reads forever; the supervisor aborts at the turn-20 check.
			if err := driveTurns(ctx, mon, 25, agentexec.ActionRead); err != nil {
				return nil, err
			}
			return okResult("should not get here"), nil
		}
		return f.defaultScript(ctx, req, mon)
	}

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed with the surviving story", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypeStoryFailed)); got != 1 {
		t.Errorf("story.failed events = %d, want 1", got)
	}
	if got := len(f.events.byType(id, event.TypeStoryCompleted)); got != 1 {
		t.Errorf("story.completed events = %d, want 1", got)
	}

	var one, two *task.Story
	for i := range tk.Orchestration.Epics[0].Stories {
		s := &tk.Orchestration.Epics[0].Stories[i]
		switch s.Title {
		case "Story one":
			one = s
		case "Story two":
			two = s
		}
	}
	if one == nil || two == nil {
		t.Fatal("stories missing from the task record")
	}
	if one.Status != task.StoryFailed {
		t.Errorf("story one status = %s, want failed", one.Status)
	}
	if two.Status != task.StoryCompleted {
		t.Errorf("story two status = %s, want completed", two.Status)
	}
}

func TestOrchestrateFixerRecoversRedTests(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	// First integration run is red; everything after the fix is green.
	f.ws.reports = []workspace.TestReport{
		{Passed: false, Output: "--- FAIL: TestFeature"},
		{Passed: true},
	}

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after the fixer round", tk.Status)
	}
	if got := f.exec.callsFor(agentexec.RoleFixer); got != 1 {
		t.Errorf("fixer calls = %d, want 1", got)
	}
	if !tk.PhaseCompleted(phase.Fixer) {
		t.Error("fixer step not recorded as completed")
	}
	if !tk.PhaseCompleted(phase.IntegrationTest) {
		t.Error("integration test step must complete after the retest")
	}
}

func TestOrchestrateFixerRoundsExhausted(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	f.ws.reports = []workspace.TestReport{{Passed: false, Output: "--- FAIL: TestFeature"}}

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want failure after exhausted fixer rounds")
	}
	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if got := f.exec.callsFor(agentexec.RoleFixer); got != f.cfg.Pipeline.FixerRounds {
		t.Errorf("fixer calls = %d, want %d", got, f.cfg.Pipeline.FixerRounds)
	}
	if f.git.merged() != 0 {
		t.Error("nothing may merge while tests stay red")
	}
}

func TestOrchestrateBudgetRefusalFailsTask(t *testing.T) {
	f := newOrchFixture(t)
	tight := f.cfg.Budget
	tight.TaskCeilingUSD = 0.1
	f.coord.budget = NewCostBudgetService(tight, discardLogger())
	id := f.seedTask(t, true)
	ctx := context.Background()

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want budget refusal")
	}
	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if len(f.exec.calls) != 0 {
		t.Error("a refused phase must not run its agent")
	}
}

func TestOrchestrateMergeBlockedOnComplexConflict(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	// The breakdown names the epic "Core work" -> branch epic/core-work.
	f.git.hunks["main...epic/core-work"] = []conflict.Hunk{{File: "server.go", Start: 10, End: 30}}
	f.git.hunks["epic/core-work...main"] = []conflict.Hunk{{File: "server.go", Start: 20, End: 40}}

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want blocked merge failure")
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypeMergeBlocked)); got == 0 {
		t.Error("merge.blocked event missing")
	}
	if f.git.merged() != 0 {
		t.Error("a blocked epic must not merge")
	}
}

func TestOrchestrateConcurrentEntryRefused(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)

	f.coord.running.Store(id, struct{}{})
	err := f.coord.OrchestrateTask(context.Background(), id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want ErrAlreadyRunning")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %v, want already-running refusal", err)
	}
}

func TestOrchestrateSameRepositoryEpicsSerialized(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	// Two epics, same repository, disjoint files: their executions share one
	// working tree and must never overlap.
	twoEpics := `{"epics": [
	  {"repository_id": "repo-1", "name": "One", "stories": [{"title": "A", "files_to_modify": ["a.go"]}]},
	  {"repository_id": "repo-1", "name": "Two", "stories": [{"title": "B", "files_to_modify": ["b.go"]}]}
	]}`

	var mu sync.Mutex
	inflight := make(map[string]int)
	maxInflight := 0
	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleArchitect && req.WorkspacePath == "" {
			return okResult(twoEpics), nil
		}
		if req.Role == agentexec.RoleDeveloper {
			mu.Lock()
			inflight[req.WorkspacePath]++
			if inflight[req.WorkspacePath] > maxInflight {
				maxInflight = inflight[req.WorkspacePath]
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				inflight[req.WorkspacePath]--
				mu.Unlock()
			}()
			time.Sleep(10 * time.Millisecond)
		}
		return f.defaultScript(ctx, req, mon)
	}

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}
	if tk := f.getTask(t, id); tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", tk.Status)
	}
	if maxInflight != 1 {
		t.Errorf("max concurrent developer executions per checkout = %d, want 1", maxInflight)
	}
}

func TestOrchestrateRepositoryOwnershipEnforced(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	repo := f.store.repos["repo-1"]
	repo.OwnerID = "someone-else"
	f.store.repos["repo-1"] = repo

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want ownership refusal")
	}
	if !strings.Contains(err.Error(), "owned by another user") {
		t.Errorf("error = %v, want ownership refusal", err)
	}
	if tk := f.getTask(t, id); tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if len(f.exec.calls) != 0 {
		t.Error("no agent may run against a foreign repository")
	}
}

func TestOrchestrateRepositoryMissingMetadataFailsFast(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	repo := f.store.repos["repo-1"]
	repo.DefaultBranch = ""
	f.store.repos["repo-1"] = repo

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want metadata refusal")
	}
	if !strings.Contains(err.Error(), "missing required metadata") {
		t.Errorf("error = %v, want metadata refusal", err)
	}
	if tk := f.getTask(t, id); tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if len(f.exec.calls) != 0 {
		t.Error("no agent may run without repository metadata")
	}
}

func TestOrchestratePhasePanicFailsTask(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		panic("analyst exploded")
	}

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want recovered panic")
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("error = %v, want recovered panic", err)
	}

	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed; a panic must never strand in_progress", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypeTaskFailed)); got != 1 {
		t.Errorf("task.failed events = %d, want 1", got)
	}
}

func TestOrchestrateEpicArchitectureRefinesConventions(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}

	// One breakdown call plus one per-epic refinement inside the checkout.
	if got := f.exec.callsFor(agentexec.RoleArchitect); got != 2 {
		t.Fatalf("architect calls = %d, want 2", got)
	}

	devPrompts := 0
	for _, call := range f.exec.calls {
		if call.Role != agentexec.RoleDeveloper {
			continue
		}
		devPrompts++
		if !strings.Contains(call.Prompt, "Keep handlers thin") {
			t.Errorf("developer prompt missing refined conventions:\n%s", call.Prompt)
		}
	}
	if devPrompts == 0 {
		t.Fatal("no developer executions recorded")
	}

	tk := f.getTask(t, id)
	if !strings.Contains(tk.Orchestration.Epics[0].Conventions, "Keep handlers thin") {
		t.Error("refined conventions not recorded on the epic")
	}
}

func TestOrchestrateReviewRejectionBlocksPullRequest(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleReviewer {
			return okResult("VERDICT: request_changes\nError handling is missing."), nil
		}
		return f.defaultScript(ctx, req, mon)
	}

	err := f.coord.OrchestrateTask(ctx, id)
	if err == nil {
		t.Fatal("OrchestrateTask = nil, want failure when every story is rejected")
	}
	tk := f.getTask(t, id)
	if tk.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypePullRequestOpened)); got != 0 {
		t.Errorf("pr.opened events = %d, want none for unapproved work", got)
	}
	if got := len(f.events.byType(id, event.TypeStoryFailed)); got != 2 {
		t.Errorf("story.failed events = %d, want 2", got)
	}
	if f.git.merged() != 0 {
		t.Error("nothing may merge when review rejects every story")
	}
}

func TestOrchestrateReviewRevisionRoundRecovers(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	reviews := 0
	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleReviewer {
			mu.Lock()
			reviews++
			n := reviews
			mu.Unlock()
			if n == 1 {
				return okResult("VERDICT: request_changes\nHandle the error return."), nil
			}
			return okResult("VERDICT: approve\nFindings addressed."), nil
		}
		return f.defaultScript(ctx, req, mon)
	}

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}
	tk := f.getTask(t, id)
	if tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after the revision round", tk.Status)
	}
	if got := len(f.events.byType(id, event.TypePullRequestOpened)); got != 2 {
		t.Errorf("pr.opened events = %d, want one per story", got)
	}
	// Story one: initial run + one revision. Story two: initial run only.
	if got := f.exec.callsFor(agentexec.RoleDeveloper); got != 3 {
		t.Errorf("developer calls = %d, want 3", got)
	}
	if got := f.exec.callsFor(agentexec.RoleReviewer); got != 3 {
		t.Errorf("reviewer calls = %d, want 3", got)
	}

	revised := false
	for _, call := range f.exec.calls {
		if call.Role == agentexec.RoleDeveloper && strings.Contains(call.Prompt, "Handle the error return") {
			revised = true
		}
	}
	if !revised {
		t.Error("revision prompt must carry the review findings")
	}
}

func TestOrchestrateTransientRetryNotifies(t *testing.T) {
	f := newOrchFixture(t)
	id := f.seedTask(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	analystCalls := 0
	f.exec.script = func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
		if req.Role == agentexec.RoleAnalyst {
			mu.Lock()
			analystCalls++
			n := analystCalls
			mu.Unlock()
			if n == 1 {
				return nil, fcerr.New(fcerr.KindTransient, "backend hiccup")
			}
		}
		return f.defaultScript(ctx, req, mon)
	}

	if err := f.coord.OrchestrateTask(ctx, id); err != nil {
		t.Fatalf("OrchestrateTask: %v", err)
	}
	if tk := f.getTask(t, id); tk.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed after the retry", tk.Status)
	}
	if got := f.exec.callsFor(agentexec.RoleAnalyst); got != 2 {
		t.Errorf("analyst calls = %d, want 2", got)
	}
	retried := false
	for _, title := range f.notif.titles() {
		if title == "Retrying stage" {
			retried = true
		}
	}
	if !retried {
		t.Error("transient retry must emit a notification")
	}
}
