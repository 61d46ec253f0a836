// Package event defines the immutable task event log used for recovery.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of orchestration event.
type Type string

const (
	TypePhaseStarted   Type = "phase.started"
	TypePhaseCompleted Type = "phase.completed"
	TypePhaseFailed    Type = "phase.failed"

	TypeEpicsCreated   Type = "breakdown.epics_created"
	TypeStoryAssigned  Type = "story.assigned"
	TypeStoryStarted   Type = "story.started"
	TypeStoryCompleted Type = "story.completed"
	TypeStoryFailed    Type = "story.failed"

	TypePullRequestOpened Type = "pr.opened"
	TypeEpicMerged        Type = "epic.merged"
	TypeMergeBlocked      Type = "merge.blocked"

	TypeApprovalRecorded Type = "approval.recorded"
	TypeTaskCompleted    Type = "task.completed"
	TypeTaskFailed       Type = "task.failed"
	TypeTaskCancelled    Type = "task.cancelled"
)

// Event is a single immutable fact about a task. Version is unique and
// monotonically increasing per task; the ordered sequence of events is the
// source of truth for recovery.
type Event struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Type      Type              `json:"type"`
	AgentName string            `json:"agent_name,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
}

// Typed payloads. Producers marshal these into Event.Payload; the fold
// unmarshals them back. Unknown fields are ignored so old logs stay readable.

type PhasePayload struct {
	Phase   string `json:"phase"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

type EpicsPayload struct {
	Epics json.RawMessage `json:"epics"`
}

type StoryPayload struct {
	StoryID    string `json:"story_id"`
	EpicID     string `json:"epic_id"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Error      string `json:"error,omitempty"`
}

type PullRequestPayload struct {
	StoryID      string `json:"story_id,omitempty"`
	EpicID       string `json:"epic_id"`
	RepositoryID string `json:"repository_id"`
	URL          string `json:"url"`
	Branch       string `json:"branch"`
}

type MergePayload struct {
	EpicID string   `json:"epic_id"`
	URL    string   `json:"url,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Files  []string `json:"files,omitempty"`
}

type ApprovalPayload struct {
	Phase    string `json:"phase"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Comments string `json:"comments,omitempty"`
}
