package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
)

// autoMergePhase merges every epic branch into its repository's default
// branch through the merge governor. One blocked epic blocks the stage; the
// result itemizes every rejection so a human can resolve them in one pass.
type autoMergePhase struct {
	base
}

func newAutoMergePhase(deps *PhaseDeps) *autoMergePhase {
	return &autoMergePhase{base{deps: deps, name: phase.AutoMerge}}
}

func (p *autoMergePhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	if err := p.ensureWorkspace(ctx, octx); err != nil {
		return phase.Fail(err)
	}

	type blockedEpic struct {
		EpicID     string           `json:"epic_id"`
		EpicName   string           `json:"epic_name"`
		Rejections []MergeRejection `json:"rejections"`
	}
	var blocked []blockedEpic
	merged := 0

	for _, epic := range octx.Task.Orchestration.Epics {
		if !epicHasCompletedStory(epic) {
			continue
		}
		repo := octx.Repository(epic.RepositoryID)
		if repo == nil {
			return phase.Fail(fcerr.Newf(fcerr.KindFatal, "epic %s targets unloaded repository %s", epic.Name, epic.RepositoryID))
		}
		repoDir := p.deps.Workspace.RepoDir(octx.WorkspacePath, repo.ID)

		outcome, err := p.deps.Merge.MergeEpic(ctx, repoDir, epic, repo.DefaultBranch)
		if err != nil {
			return phase.Fail(fcerr.Wrap(fcerr.KindTransient, "merge epic", err))
		}
		if !outcome.Merged {
			blocked = append(blocked, blockedEpic{EpicID: epic.ID, EpicName: epic.Name, Rejections: outcome.Rejections})
			for _, r := range outcome.Rejections {
				_ = p.deps.Events.Emit(ctx, octx.Task.ID, event.TypeMergeBlocked, "merge",
					event.MergePayload{EpicID: epic.ID, Reason: r.Reason, Files: r.Files})
			}
			continue
		}

		merged++
		_ = p.deps.Events.Emit(ctx, octx.Task.ID, event.TypeEpicMerged, "merge",
			event.MergePayload{EpicID: epic.ID, URL: prURLFor(epic)})
	}

	if len(blocked) > 0 {
		detail, _ := json.Marshal(blocked)
		reasons := make([]string, 0, len(blocked))
		for _, b := range blocked {
			reasons = append(reasons, b.EpicName)
		}
		octx.RecordOutput(p.name, string(detail))
		return phase.Result{
			Success: false,
			Data:    detail,
			Err: fcerr.Newf(fcerr.KindValidation,
				"merge blocked for %s; resolve the itemized rejections and retry", strings.Join(reasons, ", ")),
		}
	}

	out, _ := json.Marshal(map[string]int{"merged": merged})
	octx.RecordOutput(p.name, fmt.Sprintf("merged %d epic branches", merged))
	return phase.OK(out)
}

func prURLFor(e task.Epic) string {
	for _, s := range e.Stories {
		if s.PullRequestURL != "" {
			return s.PullRequestURL
		}
	}
	return ""
}
