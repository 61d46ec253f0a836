package event

import (
	"encoding/json"
	"fmt"

	"github.com/forgecrew/forgecrew/internal/domain/task"
)

// PullRequestRef is one pull request derived from the log.
type PullRequestRef struct {
	StoryID      string `json:"story_id,omitempty"`
	EpicID       string `json:"epic_id"`
	RepositoryID string `json:"repository_id"`
	URL          string `json:"url"`
	Branch       string `json:"branch"`
	Merged       bool   `json:"merged"`
}

// Projection is the state snapshot derived by folding a task's event log.
// Folding the same sequence twice yields an identical projection.
type Projection struct {
	TaskID          string                      `json:"task_id"`
	CompletedPhases map[string]bool             `json:"completed_phases"`
	FailedPhases    map[string]string           `json:"failed_phases,omitempty"`
	Epics           []task.Epic                 `json:"epics,omitempty"`
	StoryStatus     map[string]task.StoryStatus `json:"story_status,omitempty"`
	StoryAssignee   map[string]string           `json:"story_assignee,omitempty"`
	PullRequests    []PullRequestRef            `json:"pull_requests,omitempty"`
	Approvals       []ApprovalPayload           `json:"approvals,omitempty"`
	Terminal        string                      `json:"terminal,omitempty"`
	LastVersion     int                         `json:"last_version"`
}

// NewProjection returns an empty projection for the task.
func NewProjection(taskID string) *Projection {
	return &Projection{
		TaskID:          taskID,
		CompletedPhases: make(map[string]bool),
		FailedPhases:    make(map[string]string),
		StoryStatus:     make(map[string]task.StoryStatus),
		StoryAssignee:   make(map[string]string),
	}
}

// Fold left-folds events, in version order, into a projection. Events must be
// a contiguous sequence starting at 1; a gap or duplicate means the range is
// stale or partial, and deriving state from it would be unsound.
func Fold(taskID string, events []Event) (*Projection, error) {
	p := NewProjection(taskID)
	for i, e := range events {
		if e.Version != i+1 {
			return nil, fmt.Errorf("event log for task %s is not contiguous: position %d has version %d", taskID, i, e.Version)
		}
		if e.TaskID != taskID {
			return nil, fmt.Errorf("event %s belongs to task %s, not %s", e.ID, e.TaskID, taskID)
		}
		if err := p.apply(e); err != nil {
			return nil, fmt.Errorf("apply event %s (version %d): %w", e.Type, e.Version, err)
		}
		p.LastVersion = e.Version
	}
	return p, nil
}

func (p *Projection) apply(e Event) error {
	switch e.Type {
	case TypePhaseCompleted:
		var pl PhasePayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		p.CompletedPhases[pl.Phase] = true
		delete(p.FailedPhases, pl.Phase)

	case TypePhaseFailed:
		var pl PhasePayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		p.FailedPhases[pl.Phase] = pl.Error
		delete(p.CompletedPhases, pl.Phase)

	case TypeEpicsCreated:
		var pl EpicsPayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		var epics []task.Epic
		if err := json.Unmarshal(pl.Epics, &epics); err != nil {
			return err
		}
		p.Epics = epics
		for _, ep := range epics {
			for _, s := range ep.Stories {
				if _, ok := p.StoryStatus[s.ID]; !ok {
					p.StoryStatus[s.ID] = task.StoryPending
				}
			}
		}

	case TypeStoryAssigned:
		pl, err := storyPayload(e)
		if err != nil {
			return err
		}
		p.StoryAssignee[pl.StoryID] = pl.AssignedTo

	case TypeStoryStarted:
		pl, err := storyPayload(e)
		if err != nil {
			return err
		}
		p.StoryStatus[pl.StoryID] = task.StoryInProgress

	case TypeStoryCompleted:
		pl, err := storyPayload(e)
		if err != nil {
			return err
		}
		p.StoryStatus[pl.StoryID] = task.StoryCompleted

	case TypeStoryFailed:
		pl, err := storyPayload(e)
		if err != nil {
			return err
		}
		p.StoryStatus[pl.StoryID] = task.StoryFailed

	case TypePullRequestOpened:
		var pl PullRequestPayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		p.PullRequests = append(p.PullRequests, PullRequestRef{
			StoryID:      pl.StoryID,
			EpicID:       pl.EpicID,
			RepositoryID: pl.RepositoryID,
			URL:          pl.URL,
			Branch:       pl.Branch,
		})

	case TypeEpicMerged:
		var pl MergePayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		for i := range p.PullRequests {
			if p.PullRequests[i].EpicID == pl.EpicID {
				p.PullRequests[i].Merged = true
			}
		}

	case TypeApprovalRecorded:
		var pl ApprovalPayload
		if err := json.Unmarshal(e.Payload, &pl); err != nil {
			return err
		}
		p.Approvals = append(p.Approvals, pl)

	case TypeTaskCompleted:
		p.Terminal = string(task.StatusCompleted)
	case TypeTaskFailed:
		p.Terminal = string(task.StatusFailed)
	case TypeTaskCancelled:
		p.Terminal = string(task.StatusCancelled)
	}
	// Unknown types are skipped so newer logs replay on older code.
	return nil
}

func storyPayload(e Event) (StoryPayload, error) {
	var pl StoryPayload
	err := json.Unmarshal(e.Payload, &pl)
	return pl, err
}

// PhaseDone reports whether the projection marks the named phase completed.
func (p *Projection) PhaseDone(name string) bool {
	return p.CompletedPhases[name]
}

// PullRequestFor returns the pull request opened for the story, or nil.
func (p *Projection) PullRequestFor(storyID string) *PullRequestRef {
	for i := range p.PullRequests {
		if p.PullRequests[i].StoryID == storyID {
			return &p.PullRequests[i]
		}
	}
	return nil
}
