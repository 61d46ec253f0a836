// Package agentexec defines the agent execution port: the boundary every
// phase crosses to run a coding-agent session.
package agentexec

import (
	"context"
	"time"
)

// Role identifies which kind of agent a request runs as.
type Role string

const (
	RoleAnalyst   Role = "analyst"
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleQA        Role = "qa"
	RoleFixer     Role = "fixer"
)

// Request describes one agent execution.
type Request struct {
	TaskID        string
	Role          Role
	AgentName     string
	Prompt        string
	WorkspacePath string
	ModelID       string
	ToolAllowList []string
	Credential    string
	Attachments   []string
}

// Usage is the token accounting for one execution.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is the final outcome of an agent execution.
type Result struct {
	Output    string  `json:"output"`
	Usage     Usage   `json:"usage"`
	CostUSD   float64 `json:"cost_usd"`
	SessionID string  `json:"session_id"`
}

// Action is the coarse classification of one agent turn.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionCommand Action = "command"
	ActionMessage Action = "message"
)

// TurnEvent is one intermediate tool-use step streamed from a running
// execution.
type TurnEvent struct {
	Turn   int       `json:"turn"`
	Action Action    `json:"action"`
	Tool   string    `json:"tool,omitempty"`
	Path   string    `json:"path,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Monitor observes turn events from a running execution. Returning an error
// aborts the execution stream; the executor must cancel the underlying
// session and return that error from Execute.
type Monitor interface {
	OnTurn(ctx context.Context, ev TurnEvent) error
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(ctx context.Context, ev TurnEvent) error

func (f MonitorFunc) OnTurn(ctx context.Context, ev TurnEvent) error { return f(ctx, ev) }

// Capabilities declares what an executor backend supports.
type Capabilities struct {
	Streaming   bool `json:"streaming"`
	Cancellable bool `json:"cancellable"`
	Attachments bool `json:"attachments"`
}

// Executor is the port interface for running an agent session. Execute blocks
// until the session finishes, is cancelled through ctx, or the monitor aborts
// it. Monitor may be nil for unsupervised executions.
type Executor interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, req Request, mon Monitor) (*Result, error)
}
