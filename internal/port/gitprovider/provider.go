// Package gitprovider defines the version-control port (interface) and
// capabilities.
package gitprovider

import (
	"context"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
)

// Capabilities declares which operations a git provider supports.
type Capabilities struct {
	Push        bool `json:"push"`
	PullRequest bool `json:"pull_request"`
	Merge       bool `json:"merge"`
	DiffHunks   bool `json:"diff_hunks"`
}

// PullRequest is a provider-side pull request reference.
type PullRequest struct {
	URL        string `json:"url"`
	Number     int    `json:"number"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
}

// Provider is the port interface for branch, commit, and pull-request
// operations against a repository checkout and its hosting platform.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	CreateBranch(ctx context.Context, repoDir, branch string) error
	Checkout(ctx context.Context, repoDir, branch string) error
	Commit(ctx context.Context, repoDir, message string) error
	Push(ctx context.Context, repoDir, branch string) error
	Fetch(ctx context.Context, repoDir, branch string) error

	// DiffHunks returns the changed line ranges of branch relative to base.
	DiffHunks(ctx context.Context, repoDir, base, branch string) ([]conflict.Hunk, error)

	OpenPullRequest(ctx context.Context, repoDir, branch, base, title, body string) (*PullRequest, error)
	Merge(ctx context.Context, repoDir, branch, base string) error
}
