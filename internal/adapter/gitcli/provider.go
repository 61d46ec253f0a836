// Package gitcli implements the gitprovider.Provider interface using local
// git CLI commands against task workspace checkouts.
package gitcli

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
	"github.com/forgecrew/forgecrew/internal/git"
	"github.com/forgecrew/forgecrew/internal/port/gitprovider"
)

const providerName = "gitcli"

// Provider runs git operations through the shared pool so concurrent tasks
// cannot exhaust the host or race on a checkout.
type Provider struct {
	pool *git.Pool
}

// NewProvider creates a Provider backed by the given git operation pool.
func NewProvider(pool *git.Pool) *Provider {
	return &Provider{pool: pool}
}

// Name returns "gitcli".
func (p *Provider) Name() string { return providerName }

// Capabilities returns what the git CLI provider supports.
func (p *Provider) Capabilities() gitprovider.Capabilities {
	return gitprovider.Capabilities{
		Push:        true,
		PullRequest: true,
		Merge:       true,
		DiffHunks:   true,
	}
}

func (p *Provider) CreateBranch(ctx context.Context, repoDir, branch string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "checkout", "-B", branch); err != nil {
			return fmt.Errorf("gitcli: create branch %s: %w", branch, err)
		}
		return nil
	})
}

func (p *Provider) Checkout(ctx context.Context, repoDir, branch string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "checkout", branch); err != nil {
			return fmt.Errorf("gitcli: checkout %s: %w", branch, err)
		}
		return nil
	})
}

func (p *Provider) Commit(ctx context.Context, repoDir, message string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "add", "-A"); err != nil {
			return fmt.Errorf("gitcli: stage: %w", err)
		}
		if _, err := git.Exec(ctx, repoDir, "commit", "-m", message); err != nil {
			return fmt.Errorf("gitcli: commit: %w", err)
		}
		return nil
	})
}

func (p *Provider) Push(ctx context.Context, repoDir, branch string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "push", "-u", "origin", branch); err != nil {
			return fmt.Errorf("gitcli: push %s: %w", branch, err)
		}
		return nil
	})
}

func (p *Provider) Fetch(ctx context.Context, repoDir, branch string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "fetch", "origin", branch); err != nil {
			return fmt.Errorf("gitcli: fetch %s: %w", branch, err)
		}
		return nil
	})
}

// hunkHeader matches unified diff hunk headers: @@ -a,b +c,d @@
var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// DiffHunks returns the changed line ranges of branch relative to base,
// parsed from a zero-context unified diff.
func (p *Provider) DiffHunks(ctx context.Context, repoDir, base, branch string) ([]conflict.Hunk, error) {
	var out string
	err := p.pool.RunExclusive(ctx, repoDir, func() error {
		var execErr error
		out, execErr = git.Exec(ctx, repoDir, "diff", "--unified=0", base+"..."+branch)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("gitcli: diff %s...%s: %w", base, branch, err)
	}
	return parseHunks(out), nil
}

func parseHunks(diff string) []conflict.Hunk {
	var hunks []conflict.Hunk
	var file string
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			file = strings.TrimPrefix(line, "+++ b/")
			continue
		}
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil || file == "" {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		end := start
		if count > 1 {
			end = start + count - 1
		}
		if count == 0 {
			// Pure deletion: treat the anchor line as the touched range.
			end = start
		}
		hunks = append(hunks, conflict.Hunk{File: file, Start: start, End: end})
	}
	return hunks
}

// OpenPullRequest pushes the branch and records a pull-request reference
// derived from the origin remote. Hosting-platform APIs stay out of the
// orchestration core; downstream tooling resolves the URL.
func (p *Provider) OpenPullRequest(ctx context.Context, repoDir, branch, base, title, _ string) (*gitprovider.PullRequest, error) {
	if err := p.Push(ctx, repoDir, branch); err != nil {
		return nil, err
	}
	var remote string
	err := p.pool.RunExclusive(ctx, repoDir, func() error {
		out, execErr := git.Exec(ctx, repoDir, "remote", "get-url", "origin")
		remote = strings.TrimSpace(out)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("gitcli: resolve remote: %w", err)
	}
	return &gitprovider.PullRequest{
		URL:        fmt.Sprintf("%s/compare/%s...%s", strings.TrimSuffix(remote, ".git"), base, branch),
		Branch:     branch,
		BaseBranch: base,
	}, nil
}

// Merge merges branch into base with a merge commit, preferring the feature
// branch's side for any textual conflict git cannot resolve on its own.
// Callers must have classified the conflict as simple before asking.
func (p *Provider) Merge(ctx context.Context, repoDir, branch, base string) error {
	return p.pool.RunExclusive(ctx, repoDir, func() error {
		if _, err := git.Exec(ctx, repoDir, "checkout", base); err != nil {
			return fmt.Errorf("gitcli: checkout %s: %w", base, err)
		}
		if _, err := git.Exec(ctx, repoDir, "merge", "--no-ff", "-X", "theirs", branch); err != nil {
			// Leave the tree clean for the next attempt.
			_, _ = git.Exec(ctx, repoDir, "merge", "--abort")
			return fmt.Errorf("gitcli: merge %s into %s: %w", branch, base, err)
		}
		return nil
	})
}
