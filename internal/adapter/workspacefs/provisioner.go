// Package workspacefs implements the workspace port on the local filesystem:
// one directory per task, one clone per selected repository.
package workspacefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/git"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
)

// Provisioner clones task repositories under a root directory.
type Provisioner struct {
	cfg   config.Workspace
	pool  *git.Pool
	store database.Store
	log   *slog.Logger
}

// NewProvisioner creates a filesystem-backed workspace provisioner.
func NewProvisioner(cfg config.Workspace, pool *git.Pool, store database.Store, log *slog.Logger) *Provisioner {
	return &Provisioner{cfg: cfg, pool: pool, store: store, log: log}
}

// Provision clones exactly the named repositories into an isolated directory
// for the task. Repositories already cloned from a previous run are reused.
func (p *Provisioner) Provision(ctx context.Context, taskID string, repositoryIDs []string) (string, error) {
	repos, err := p.store.GetRepositories(ctx, repositoryIDs)
	if err != nil {
		return "", fmt.Errorf("workspace: load repositories: %w", err)
	}
	if len(repos) != len(repositoryIDs) {
		return "", fmt.Errorf("workspace: %d of %d repositories unknown", len(repositoryIDs)-len(repos), len(repositoryIDs))
	}

	root := filepath.Join(p.cfg.Root, taskID)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", root, err)
	}

	for _, repo := range repos {
		dir := p.RepoDir(root, repo.ID)
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			p.log.Debug("workspace clone reused", "task_id", taskID, "repository", repo.Name)
			continue
		}
		cloneErr := p.pool.Run(ctx, func() error {
			_, err := git.Exec(ctx, "", "clone", repo.CloneURL, dir)
			return err
		})
		if cloneErr != nil {
			return "", fmt.Errorf("workspace: clone %s: %w", repo.Name, cloneErr)
		}
		p.log.Info("workspace repository cloned", "task_id", taskID, "repository", repo.Name)
	}
	return root, nil
}

// RepoDir returns the checkout directory for a repository inside a
// workspace.
func (p *Provisioner) RepoDir(workspacePath, repositoryID string) string {
	return filepath.Join(workspacePath, repositoryID)
}

// DiffStats reports uncommitted changes in a checkout via git diff
// --shortstat plus untracked file count.
func (p *Provisioner) DiffStats(ctx context.Context, repoDir string) (workspace.DiffStats, error) {
	var stats workspace.DiffStats
	err := p.pool.Run(ctx, func() error {
		out, err := git.Exec(ctx, repoDir, "diff", "--shortstat", "HEAD")
		if err != nil {
			return err
		}
		stats = parseShortstat(out)

		untracked, err := git.Exec(ctx, repoDir, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimSpace(untracked), "\n") {
			if line != "" {
				stats.FilesChanged++
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("workspace: diff stats: %w", err)
	}
	return stats, nil
}

// parseShortstat parses "N files changed, M insertions(+), K deletions(-)".
func parseShortstat(out string) workspace.DiffStats {
	var stats workspace.DiffStats
	for _, part := range strings.Split(strings.TrimSpace(out), ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			stats.FilesChanged = n
		case strings.HasPrefix(fields[1], "insertion"):
			stats.Insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			stats.Deletions = n
		}
	}
	return stats
}

// RunTests runs the configured test command inside the checkout. A non-zero
// exit is a failed report, not an error; errors are reserved for not being
// able to run at all.
func (p *Provisioner) RunTests(ctx context.Context, repoDir string) (workspace.TestReport, error) {
	if p.cfg.TestCommand == "" {
		return workspace.TestReport{Passed: true, Output: "no test command configured"}, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", p.cfg.TestCommand)
	cmd.Dir = repoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	report := workspace.TestReport{Passed: err == nil, Output: out.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return report, fmt.Errorf("workspace: run tests: %w", err)
		}
	}
	return report, nil
}

// Cleanup removes the task workspace directory.
func (p *Provisioner) Cleanup(_ context.Context, workspacePath string) error {
	if workspacePath == "" || workspacePath == "/" {
		return fmt.Errorf("workspace: refusing to remove %q", workspacePath)
	}
	return os.RemoveAll(workspacePath)
}
