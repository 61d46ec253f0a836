// Package task defines the Task aggregate: the single mutable record the
// coordinator and phases operate on. It is persisted write-through after
// every meaningful transition so a crash loses at most one in-flight change.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the task reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the state of one pipeline stage within a task.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Task is the aggregate root for one orchestrated unit of work.
type Task struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Status        Status        `json:"status"`
	RepositoryIDs []string      `json:"repository_ids"`
	Orchestration Orchestration `json:"orchestration"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Orchestration holds the pipeline state for a task.
type Orchestration struct {
	CurrentPhase phase.Name                 `json:"current_phase,omitempty"`
	Steps        map[phase.Name]*PhaseStep  `json:"steps"`
	Team         []TeamMember               `json:"team,omitempty"`
	Epics        []Epic                     `json:"epics,omitempty"`
	Paused       bool                       `json:"paused"`
	PausedBy     string                     `json:"paused_by,omitempty"`
	PausedAt     *time.Time                 `json:"paused_at,omitempty"`
	CancelRequested   bool                  `json:"cancel_requested"`
	CancelledBy       string                `json:"cancelled_by,omitempty"`
	CancelRequestedAt *time.Time            `json:"cancel_requested_at,omitempty"`
	TotalCostUSD float64                    `json:"total_cost_usd"`
	TotalTokens  int64                      `json:"total_tokens"`
	AutoApprovalEnabled bool                `json:"auto_approval_enabled"`
	AutoApprovalPhases  []phase.Name        `json:"auto_approval_phases,omitempty"`
	ApprovalHistory     []Approval          `json:"approval_history,omitempty"`
	// Continuation forces full re-execution of every stage on resume instead
	// of skipping completed ones.
	Continuation bool `json:"continuation"`
}

// PhaseStep records the outcome of one pipeline stage.
type PhaseStep struct {
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TokensIn    int64      `json:"tokens_in"`
	TokensOut   int64      `json:"tokens_out"`
	CostUSD     float64    `json:"cost_usd"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
}

// Approval records one human decision on an approval gate.
type Approval struct {
	Phase     phase.Name `json:"phase"`
	Approved  bool       `json:"approved"`
	Actor     string     `json:"actor"`
	Comments  string     `json:"comments,omitempty"`
	DecidedAt time.Time  `json:"decided_at"`
}

// ErrPhaseActive is returned when a second stage would go in_progress while
// another one already is.
var ErrPhaseActive = errors.New("another phase is already in progress")

// Step returns the step record for the given stage, creating it if absent.
func (t *Task) Step(name phase.Name) *PhaseStep {
	if t.Orchestration.Steps == nil {
		t.Orchestration.Steps = make(map[phase.Name]*PhaseStep)
	}
	s, ok := t.Orchestration.Steps[name]
	if !ok {
		s = &PhaseStep{Status: StepPending}
		t.Orchestration.Steps[name] = s
	}
	return s
}

// ActivePhase returns the stage currently in_progress, or "".
func (t *Task) ActivePhase() phase.Name {
	for name, s := range t.Orchestration.Steps {
		if s.Status == StepInProgress {
			return name
		}
	}
	return ""
}

// StartPhase transitions the named stage to in_progress. At most one stage may
// be in_progress at any time; violating that is a programmer error surfaced as
// ErrPhaseActive.
func (t *Task) StartPhase(name phase.Name, now time.Time) error {
	if active := t.ActivePhase(); active != "" && active != name {
		return fmt.Errorf("start %s: %w (%s)", name, ErrPhaseActive, active)
	}
	s := t.Step(name)
	s.Status = StepInProgress
	s.StartedAt = &now
	s.Attempts++
	t.Orchestration.CurrentPhase = name
	return nil
}

// CompletePhase marks the named stage completed and records its usage.
func (t *Task) CompletePhase(name phase.Name, now time.Time, tokensIn, tokensOut int64, costUSD float64, output string) {
	s := t.Step(name)
	s.Status = StepCompleted
	s.CompletedAt = &now
	s.TokensIn += tokensIn
	s.TokensOut += tokensOut
	s.CostUSD += costUSD
	if output != "" {
		s.Output = output
	}
}

// FailPhase marks the named stage failed with an error message.
func (t *Task) FailPhase(name phase.Name, now time.Time, errMsg string) {
	s := t.Step(name)
	s.Status = StepFailed
	s.CompletedAt = &now
	s.Error = errMsg
}

// SkipPhase marks the named stage skipped (already satisfied on resume).
func (t *Task) SkipPhase(name phase.Name) {
	s := t.Step(name)
	if s.Status == StepPending {
		s.Status = StepSkipped
	}
}

// PhaseCompleted reports whether the named stage finished successfully.
func (t *Task) PhaseCompleted(name phase.Name) bool {
	s, ok := t.Orchestration.Steps[name]
	return ok && s.Status == StepCompleted
}

// Approved reports whether the latest recorded decision for the gate is an
// approval. A later rejection overrides an earlier approval.
func (t *Task) Approved(gate phase.Name) bool {
	for i := len(t.Orchestration.ApprovalHistory) - 1; i >= 0; i-- {
		a := t.Orchestration.ApprovalHistory[i]
		if a.Phase == gate {
			return a.Approved
		}
	}
	return false
}

// AutoApproved reports whether the gate is covered by auto approval.
func (t *Task) AutoApproved(gate phase.Name) bool {
	if !t.Orchestration.AutoApprovalEnabled {
		return false
	}
	if len(t.Orchestration.AutoApprovalPhases) == 0 {
		return true
	}
	for _, p := range t.Orchestration.AutoApprovalPhases {
		if p == gate {
			return true
		}
	}
	return false
}

// RecordApproval appends a decision to the approval history.
func (t *Task) RecordApproval(gate phase.Name, approved bool, actor, comments string, now time.Time) {
	t.Orchestration.ApprovalHistory = append(t.Orchestration.ApprovalHistory, Approval{
		Phase:     gate,
		Approved:  approved,
		Actor:     actor,
		Comments:  comments,
		DecidedAt: now,
	})
}

// RecomputeTotals sets TotalCostUSD/TotalTokens to the authoritative sum over
// all step and team member usage records. Totals are recomputed, never
// incrementally trusted, at completion.
func (t *Task) RecomputeTotals() {
	var cost float64
	var tokens int64
	for _, s := range t.Orchestration.Steps {
		cost += s.CostUSD
		tokens += s.TokensIn + s.TokensOut
	}
	for _, m := range t.Orchestration.Team {
		cost += m.CostUSD
		tokens += m.TokensIn + m.TokensOut
	}
	t.Orchestration.TotalCostUSD = cost
	t.Orchestration.TotalTokens = tokens
}
