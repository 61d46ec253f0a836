// Package workspace defines the port for provisioning and inspecting
// per-task working directories.
package workspace

import "context"

// DiffStats summarizes uncommitted changes in one repository checkout.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// Empty reports whether the working tree shows no changes at all.
func (d DiffStats) Empty() bool {
	return d.FilesChanged == 0 && d.Insertions == 0 && d.Deletions == 0
}

// TestReport is the outcome of running a repository's automated tests.
type TestReport struct {
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// Provisioner is the port interface for task workspaces. Provision clones
// exactly the named repositories into an isolated directory; it never clones
// repositories the task did not select.
type Provisioner interface {
	Provision(ctx context.Context, taskID string, repositoryIDs []string) (string, error)
	RepoDir(workspacePath, repositoryID string) string
	DiffStats(ctx context.Context, repoDir string) (DiffStats, error)
	RunTests(ctx context.Context, repoDir string) (TestReport, error)
	Cleanup(ctx context.Context, workspacePath string) error
}
