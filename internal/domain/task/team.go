package task

import (
	"fmt"
	"sort"
)

// Role defines the seniority of a developer instance.
type Role string

const (
	RoleSenior Role = "senior"
	RoleJunior Role = "junior"
)

// MemberStatus represents the lifecycle state of a developer instance.
type MemberStatus string

const (
	MemberIdle      MemberStatus = "idle"
	MemberWorking   MemberStatus = "working"
	MemberReviewing MemberStatus = "reviewing"
	MemberCompleted MemberStatus = "completed"
	MemberBlocked   MemberStatus = "blocked"
)

// TeamMember is one developer-role instance with its assigned stories.
type TeamMember struct {
	InstanceID   string       `json:"instance_id"`
	Role         Role         `json:"role"`
	Status       MemberStatus `json:"status"`
	StoryIDs     []string     `json:"story_ids,omitempty"`
	CostUSD      float64      `json:"cost_usd"`
	TokensIn     int64        `json:"tokens_in"`
	TokensOut    int64        `json:"tokens_out"`
	PullRequests []string     `json:"pull_requests,omitempty"`
}

// Epic is a unit of work targeting exactly one repository. Its conventions
// (naming, shared API/type contracts) keep cross-repository implementations
// consistent across all of its stories.
type Epic struct {
	ID           string  `json:"id"`
	RepositoryID string  `json:"repository_id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	BranchName   string  `json:"branch_name"`
	Conventions  string  `json:"conventions,omitempty"`
	Stories      []Story `json:"stories"`
}

// StoryStatus represents the state of a story.
type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
)

// Story is the smallest schedulable unit of developer work, bound to explicit
// files. A story belongs to exactly one epic and is never reassigned after a
// developer begins work.
type Story struct {
	ID             string      `json:"id"`
	EpicID         string      `json:"epic_id"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	FilesToRead    []string    `json:"files_to_read,omitempty"`
	FilesToModify  []string    `json:"files_to_modify,omitempty"`
	FilesToCreate  []string    `json:"files_to_create,omitempty"`
	Status         StoryStatus `json:"status"`
	AssignedTo     string      `json:"assigned_to,omitempty"`
	BranchName     string      `json:"branch_name,omitempty"`
	ReviewVerdict  string      `json:"review_verdict,omitempty"`
	PullRequestURL string      `json:"pull_request_url,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// WrittenFiles returns the files a story will touch (modify + create).
func (s *Story) WrittenFiles() []string {
	out := make([]string, 0, len(s.FilesToModify)+len(s.FilesToCreate))
	out = append(out, s.FilesToModify...)
	out = append(out, s.FilesToCreate...)
	return out
}

// OverlappingFiles returns files claimed for writing by stories of more than
// one epic. Overlap across epics is a blocking validation failure: two teams
// must never race on the same file.
func OverlappingFiles(epics []Epic) []string {
	owner := make(map[string]string) // file -> epic ID
	seen := make(map[string]bool)
	var overlap []string
	for _, e := range epics {
		for _, s := range e.Stories {
			for _, f := range s.WrittenFiles() {
				if prev, ok := owner[f]; ok && prev != e.ID && !seen[f] {
					overlap = append(overlap, f)
					seen[f] = true
					continue
				}
				owner[f] = e.ID
			}
		}
	}
	sort.Strings(overlap)
	return overlap
}

// ValidateEpics checks the structural invariants of a breakdown: every epic
// targets a known repository, every story belongs to its epic, and no two
// epics write the same file.
func ValidateEpics(epics []Epic, repositoryIDs []string) error {
	if len(epics) == 0 {
		return fmt.Errorf("breakdown produced no epics")
	}
	known := make(map[string]bool, len(repositoryIDs))
	for _, id := range repositoryIDs {
		known[id] = true
	}
	for _, e := range epics {
		if e.RepositoryID == "" || !known[e.RepositoryID] {
			return fmt.Errorf("epic %q targets unknown repository %q", e.Name, e.RepositoryID)
		}
		if e.BranchName == "" {
			return fmt.Errorf("epic %q has no branch name", e.Name)
		}
		if len(e.Stories) == 0 {
			return fmt.Errorf("epic %q has no stories", e.Name)
		}
		for _, s := range e.Stories {
			if s.EpicID != e.ID {
				return fmt.Errorf("story %q does not belong to epic %q", s.Title, e.Name)
			}
			if len(s.WrittenFiles()) == 0 {
				return fmt.Errorf("story %q declares no files to modify or create", s.Title)
			}
		}
	}
	if overlap := OverlappingFiles(epics); len(overlap) > 0 {
		return fmt.Errorf("overlapping work assignment across epics: %v", overlap)
	}
	return nil
}

// FindStory returns the story with the given ID across all epics, or nil.
func FindStory(epics []Epic, storyID string) *Story {
	for i := range epics {
		for j := range epics[i].Stories {
			if epics[i].Stories[j].ID == storyID {
				return &epics[i].Stories[j]
			}
		}
	}
	return nil
}

// Member returns the team member with the given instance ID, or nil.
func (t *Task) Member(instanceID string) *TeamMember {
	for i := range t.Orchestration.Team {
		if t.Orchestration.Team[i].InstanceID == instanceID {
			return &t.Orchestration.Team[i]
		}
	}
	return nil
}
