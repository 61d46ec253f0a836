// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/task"
)

// Repository is a source repository a task may target. An empty OwnerID
// means the repository is shared; otherwise only tasks of that user may
// target it.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id,omitempty"`
	CloneURL      string    `json:"clone_url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Credential is a sealed API credential for agent executions.
type Credential struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Sealed    []byte    `json:"-"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Flags is the freshly-read pause/cancel state of a task. The coordinator
// re-reads it before every phase instead of trusting its in-memory copy.
type Flags struct {
	Paused          bool `json:"paused"`
	CancelRequested bool `json:"cancel_requested"`
}

// Store is the port interface for task persistence.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	GetFlags(ctx context.Context, taskID string) (Flags, error)
	SetPaused(ctx context.Context, taskID string, paused bool, actor string) error
	RequestCancel(ctx context.Context, taskID, actor string) error

	CreateRepository(ctx context.Context, r *Repository) error
	GetRepositories(ctx context.Context, ids []string) ([]Repository, error)
	ListRepositories(ctx context.Context) ([]Repository, error)

	GetTaskCredential(ctx context.Context, taskID string) (*Credential, error)
	GetDefaultCredential(ctx context.Context, userID string) (*Credential, error)
	PutCredential(ctx context.Context, c *Credential) error
}
