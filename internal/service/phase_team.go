package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
)

// teamExecutionPhase runs one developer team per epic. Repository groups run
// in parallel up to the configured limit; epics sharing a repository, and the
// stories inside each epic, run sequentially, so a checkout never sees two
// concurrent executions.
type teamExecutionPhase struct {
	base

	mu sync.Mutex // guards octx.Task mutations from epic goroutines
}

func newTeamExecutionPhase(deps *PhaseDeps) *teamExecutionPhase {
	return &teamExecutionPhase{base: base{deps: deps, name: phase.TeamExecution}}
}

func (p *teamExecutionPhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	epics := octx.Task.Orchestration.Epics
	if len(epics) == 0 {
		return phase.Fail(fcerr.New(fcerr.KindFatal, "no epics to execute; task breakdown did not run"))
	}

	if err := p.ensureWorkspace(ctx, octx); err != nil {
		return phase.Fail(err)
	}

	// Recovery: stories that already produced a pull request in a previous
	// run are not re-executed. The event log decides, not the task cache.
	proj, err := p.deps.Events.CurrentState(ctx, octx.Task.ID)
	if err != nil {
		return phase.Fail(err)
	}

	p.buildTeam(octx)

	var warnings []string
	var warnMu sync.Mutex

	// Epics targeting the same repository share one working tree; they run on
	// one goroutine so two developer executions never race on a checkout.
	groups := make(map[string][]*task.Epic)
	var repoOrder []string
	for i := range epics {
		epic := &epics[i]
		if _, ok := groups[epic.RepositoryID]; !ok {
			repoOrder = append(repoOrder, epic.RepositoryID)
		}
		groups[epic.RepositoryID] = append(groups[epic.RepositoryID], epic)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.Cfg.Pipeline.MaxTeamParallel)
	for _, repoID := range repoOrder {
		group := groups[repoID]
		g.Go(func() error {
			for _, epic := range group {
				if err := p.runEpic(gctx, octx, epic, proj); err != nil {
					// A failed epic does not cancel its siblings; the failure
					// lands on its stories.
					warnMu.Lock()
					warnings = append(warnings, fmt.Sprintf("epic %s: %v", epic.Name, err))
					warnMu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	completed, failed := 0, 0
	for _, e := range epics {
		for _, s := range e.Stories {
			switch s.Status {
			case task.StoryCompleted:
				completed++
			case task.StoryFailed:
				failed++
			}
		}
	}
	p.deps.Log.Info("team execution finished",
		"task_id", octx.Task.ID, "completed", completed, "failed", failed)

	if completed == 0 {
		return phase.Fail(fcerr.Newf(fcerr.KindFatal, "all %d stories failed", failed))
	}

	summary, _ := json.Marshal(map[string]int{"completed": completed, "failed": failed})
	octx.RecordOutput(p.name, string(summary))
	return phase.Result{Success: true, Data: summary, Warnings: warnings}
}

// buildTeam assigns one senior developer instance per epic, reusing an
// existing team on resumption.
func (p *teamExecutionPhase) buildTeam(octx *OrchContext) {
	if len(octx.Task.Orchestration.Team) > 0 {
		return
	}
	for i, e := range octx.Task.Orchestration.Epics {
		storyIDs := make([]string, 0, len(e.Stories))
		for _, s := range e.Stories {
			storyIDs = append(storyIDs, s.ID)
		}
		octx.Task.Orchestration.Team = append(octx.Task.Orchestration.Team, task.TeamMember{
			InstanceID: fmt.Sprintf("dev-%d", i+1),
			Role:       task.RoleSenior,
			Status:     task.MemberIdle,
			StoryIDs:   storyIDs,
		})
	}
}

func (p *teamExecutionPhase) runEpic(ctx context.Context, octx *OrchContext, epic *task.Epic, proj *event.Projection) error {
	repo := octx.Repository(epic.RepositoryID)
	if repo == nil {
		return fcerr.Newf(fcerr.KindFatal, "epic %s targets unloaded repository %s", epic.Name, epic.RepositoryID)
	}
	repoDir := p.deps.Workspace.RepoDir(octx.WorkspacePath, repo.ID)

	if err := p.deps.Git.CreateBranch(ctx, repoDir, epic.BranchName); err != nil {
		return fcerr.Wrap(fcerr.KindTransient, "create epic branch", err)
	}

	member := p.memberFor(octx, epic)

	// Epic-level architecture: the senior instance studies the actual
	// checkout and tightens the breakdown's conventions before any story
	// starts. A failed pass degrades to the breakdown conventions.
	if pendingWork(epic, proj) {
		p.refineConventions(ctx, octx, epic, member, repoDir)
	}

	for i := range epic.Stories {
		story := &epic.Stories[i]
		if story.Status == task.StoryCompleted {
			continue
		}
		if pr := proj.PullRequestFor(story.ID); pr != nil {
			// Already done in a previous run; backfill the cache-side record.
			p.mu.Lock()
			story.Status = task.StoryCompleted
			story.PullRequestURL = pr.URL
			p.mu.Unlock()
			continue
		}
		p.runStory(ctx, octx, epic, story, member, repoDir, repo.DefaultBranch)
	}

	p.mu.Lock()
	member.Status = task.MemberCompleted
	p.mu.Unlock()
	return nil
}

func (p *teamExecutionPhase) memberFor(octx *OrchContext, epic *task.Epic) *task.TeamMember {
	for i := range octx.Task.Orchestration.Team {
		m := &octx.Task.Orchestration.Team[i]
		for _, id := range m.StoryIDs {
			if len(epic.Stories) > 0 && id == epic.Stories[0].ID {
				return m
			}
		}
	}
	// Teams built by older runs may not cover a new epic; extend.
	octx.Task.Orchestration.Team = append(octx.Task.Orchestration.Team, task.TeamMember{
		InstanceID: fmt.Sprintf("dev-%d", len(octx.Task.Orchestration.Team)+1),
		Role:       task.RoleSenior,
		Status:     task.MemberIdle,
	})
	return &octx.Task.Orchestration.Team[len(octx.Task.Orchestration.Team)-1]
}

// runStory drives one story to completion: develop under supervision,
// review, commit, open the pull request. A stagnation abort fails this story
// only; sibling stories keep running.
func (p *teamExecutionPhase) runStory(ctx context.Context, octx *OrchContext, epic *task.Epic, story *task.Story, member *task.TeamMember, repoDir, baseBranch string) {
	taskID := octx.Task.ID

	p.mu.Lock()
	story.Status = task.StoryInProgress
	story.AssignedTo = member.InstanceID
	story.BranchName = epic.BranchName
	member.Status = task.MemberWorking
	p.mu.Unlock()

	_ = p.deps.Events.Emit(ctx, taskID, event.TypeStoryAssigned, member.InstanceID,
		event.StoryPayload{StoryID: story.ID, EpicID: epic.ID, AssignedTo: member.InstanceID})
	_ = p.deps.Events.Emit(ctx, taskID, event.TypeStoryStarted, member.InstanceID,
		event.StoryPayload{StoryID: story.ID, EpicID: epic.ID})

	fail := func(err error) {
		p.mu.Lock()
		story.Status = task.StoryFailed
		story.Error = err.Error()
		member.Status = task.MemberBlocked
		p.mu.Unlock()
		_ = p.deps.Events.Emit(ctx, taskID, event.TypeStoryFailed, member.InstanceID,
			event.StoryPayload{StoryID: story.ID, EpicID: epic.ID, Error: err.Error()})
		p.deps.Log.Warn("story failed",
			"task_id", taskID, "story_id", story.ID, "error", err)
	}

	mon := p.deps.Supervisor.Watch(taskID, story.ID, repoDir)
	devResult, err := p.runAgent(ctx, octx, agentexec.Request{
		Role:          agentexec.RoleDeveloper,
		AgentName:     member.InstanceID,
		Prompt:        developerPrompt(epic, story),
		WorkspacePath: repoDir,
		ModelID:       p.deps.Cfg.Agent.ModelID,
	}, mon)
	if err != nil {
		fail(err)
		return
	}

	p.mu.Lock()
	member.TokensIn += devResult.Usage.InputTokens
	member.TokensOut += devResult.Usage.OutputTokens
	member.CostUSD += devResult.CostUSD
	member.Status = task.MemberReviewing
	p.mu.Unlock()

	verdict, findings, err := p.review(ctx, octx, epic, story, repoDir)
	if err != nil {
		fail(err)
		return
	}
	p.mu.Lock()
	story.ReviewVerdict = verdict
	p.mu.Unlock()

	if verdict != verdictApprove {
		// One revision round; a second rejection fails the story rather
		// than shipping unapproved work.
		p.deps.Log.Info("review requested changes, revising",
			"task_id", taskID, "story_id", story.ID)
		revMon := p.deps.Supervisor.Watch(taskID, story.ID, repoDir)
		revResult, err := p.runAgent(ctx, octx, agentexec.Request{
			Role:          agentexec.RoleDeveloper,
			AgentName:     member.InstanceID,
			Prompt:        revisionPrompt(epic, story, findings),
			WorkspacePath: repoDir,
			ModelID:       p.deps.Cfg.Agent.ModelID,
		}, revMon)
		if err != nil {
			fail(err)
			return
		}
		p.mu.Lock()
		member.TokensIn += revResult.Usage.InputTokens
		member.TokensOut += revResult.Usage.OutputTokens
		member.CostUSD += revResult.CostUSD
		p.mu.Unlock()

		verdict, _, err = p.review(ctx, octx, epic, story, repoDir)
		if err != nil {
			fail(err)
			return
		}
		p.mu.Lock()
		story.ReviewVerdict = verdict
		p.mu.Unlock()
		if verdict != verdictApprove {
			fail(fcerr.Newf(fcerr.KindValidation, "review rejected the story after one revision round"))
			return
		}
	}

	commitMsg := fmt.Sprintf("%s\n\n%s", story.Title, story.Description)
	if err := p.deps.Git.Commit(ctx, repoDir, commitMsg); err != nil {
		fail(fcerr.Wrap(fcerr.KindTransient, "commit story", err))
		return
	}

	pr, err := p.deps.Git.OpenPullRequest(ctx, repoDir, epic.BranchName, baseBranch, story.Title, story.Description)
	if err != nil {
		fail(fcerr.Wrap(fcerr.KindTransient, "open pull request", err))
		return
	}

	p.mu.Lock()
	story.Status = task.StoryCompleted
	story.PullRequestURL = pr.URL
	member.PullRequests = append(member.PullRequests, pr.URL)
	p.mu.Unlock()

	_ = p.deps.Events.Emit(ctx, taskID, event.TypePullRequestOpened, member.InstanceID,
		event.PullRequestPayload{
			StoryID:      story.ID,
			EpicID:       epic.ID,
			RepositoryID: epic.RepositoryID,
			URL:          pr.URL,
			Branch:       epic.BranchName,
		})
	_ = p.deps.Events.Emit(ctx, taskID, event.TypeStoryCompleted, member.InstanceID,
		event.StoryPayload{StoryID: story.ID, EpicID: epic.ID})
}

const verdictApprove = "approve"

// review runs the reviewer agent over the story's diff and returns its
// verdict plus the full findings text.
func (p *teamExecutionPhase) review(ctx context.Context, octx *OrchContext, epic *task.Epic, story *task.Story, repoDir string) (string, string, error) {
	prompt := fmt.Sprintf(`Review the uncommitted changes in this workspace for the story below.

Story: %s
%s

Epic conventions:
%s

Respond with VERDICT: approve or VERDICT: request_changes on the first line,
followed by findings.`, story.Title, story.Description, epic.Conventions)

	result, err := p.runAgent(ctx, octx, agentexec.Request{
		Role:          agentexec.RoleReviewer,
		AgentName:     "reviewer",
		Prompt:        prompt,
		WorkspacePath: repoDir,
		ModelID:       p.deps.Cfg.Agent.ReviewModelID,
	}, nil)
	if err != nil {
		return "", "", err
	}

	verdict := verdictApprove
	for _, line := range strings.SplitN(result.Output, "\n", 3) {
		if strings.HasPrefix(strings.TrimSpace(line), "VERDICT:") {
			verdict = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "VERDICT:"))
			break
		}
	}
	return verdict, result.Output, nil
}

// pendingWork reports whether any of the epic's stories still needs a
// developer execution.
func pendingWork(epic *task.Epic, proj *event.Projection) bool {
	for _, s := range epic.Stories {
		if s.Status != task.StoryCompleted && proj.PullRequestFor(s.ID) == nil {
			return true
		}
	}
	return false
}

// refineConventions runs the per-epic architecture pass against the checkout.
func (p *teamExecutionPhase) refineConventions(ctx context.Context, octx *OrchContext, epic *task.Epic, member *task.TeamMember, repoDir string) {
	res, err := p.runAgent(ctx, octx, agentexec.Request{
		Role:          agentexec.RoleArchitect,
		AgentName:     member.InstanceID,
		Prompt:        architecturePrompt(epic),
		WorkspacePath: repoDir,
		ModelID:       p.deps.Cfg.Agent.ModelID,
	}, nil)
	if err != nil {
		p.deps.Log.Warn("epic architecture pass failed, keeping breakdown conventions",
			"task_id", octx.Task.ID, "epic_id", epic.ID, "error", err)
		return
	}
	refined := strings.TrimSpace(res.Output)
	if refined == "" {
		return
	}
	p.mu.Lock()
	if epic.Conventions == "" {
		epic.Conventions = refined
	} else {
		epic.Conventions += "\n\n" + refined
	}
	p.mu.Unlock()
}

func architecturePrompt(epic *task.Epic) string {
	var b strings.Builder
	b.WriteString("Study this checkout and refine the working conventions for the epic below before its stories are implemented.\n\n")
	fmt.Fprintf(&b, "Epic: %s\n%s\n\n", epic.Name, epic.Description)
	if epic.Conventions != "" {
		fmt.Fprintf(&b, "Current conventions:\n%s\n\n", epic.Conventions)
	}
	b.WriteString("Stories:\n")
	for _, s := range epic.Stories {
		fmt.Fprintf(&b, "- %s\n", s.Title)
	}
	b.WriteString("\nRespond with the conventions and shared contracts the developers must follow.")
	return b.String()
}

func revisionPrompt(epic *task.Epic, story *task.Story, findings string) string {
	return fmt.Sprintf(`Address the review findings below for story %q on branch %s.
Change only the story's listed files.

Findings:
%s`, story.Title, epic.BranchName, findings)
}

func developerPrompt(epic *task.Epic, story *task.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following story on branch %s.\n\n", epic.BranchName)
	fmt.Fprintf(&b, "Story: %s\n%s\n\n", story.Title, story.Description)
	if epic.Conventions != "" {
		fmt.Fprintf(&b, "Conventions for this epic:\n%s\n\n", epic.Conventions)
	}
	writeFileList := func(label string, files []string) {
		if len(files) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteByte('\n')
	}
	writeFileList("Files to read", story.FilesToRead)
	writeFileList("Files to modify", story.FilesToModify)
	writeFileList("Files to create", story.FilesToCreate)
	fmt.Fprintf(&b, "Only touch the listed files. Started at %s.\n", time.Now().Format(time.RFC3339))
	return b.String()
}
