package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/gitprovider"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
)

// MergeRejection is one itemized reason an epic could not be merged.
type MergeRejection struct {
	Reason string   `json:"reason"`
	Detail string   `json:"detail,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// MergeOutcome is the structured result of a merge attempt. A blocked merge
// carries every rejection found, never a partial merge.
type MergeOutcome struct {
	Merged     bool             `json:"merged"`
	Rejections []MergeRejection `json:"rejections,omitempty"`
}

// MergeService merges epic branches into the target branch under the merge
// governance rules: fetch the target to latest, require passing tests,
// auto-resolve simple conflicts by preferring the feature branch, and block
// on complex conflicts.
type MergeService struct {
	git gitprovider.Provider
	ws  workspace.Provisioner
	log *slog.Logger
}

// NewMergeService creates the merge governor.
func NewMergeService(git gitprovider.Provider, ws workspace.Provisioner, log *slog.Logger) *MergeService {
	return &MergeService{git: git, ws: ws, log: log}
}

// MergeEpic attempts to merge the epic branch into targetBranch inside the
// repository checkout at repoDir. All preconditions are evaluated before any
// merge happens; failing any yields a structured rejection.
func (s *MergeService) MergeEpic(ctx context.Context, repoDir string, epic task.Epic, targetBranch string) (MergeOutcome, error) {
	var rejections []MergeRejection

	if err := s.git.Fetch(ctx, repoDir, targetBranch); err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: fetch target: %w", epic.ID, err)
	}

	report, err := s.ws.RunTests(ctx, repoDir)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: run tests: %w", epic.ID, err)
	}
	if !report.Passed {
		rejections = append(rejections, MergeRejection{
			Reason: "tests failed on the epic branch",
			Detail: tail(report.Output, 2000),
		})
	}

	hunksFeature, err := s.git.DiffHunks(ctx, repoDir, targetBranch, epic.BranchName)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: diff feature: %w", epic.ID, err)
	}
	hunksTarget, err := s.git.DiffHunks(ctx, repoDir, epic.BranchName, targetBranch)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: diff target: %w", epic.ID, err)
	}

	if complexConflicts := conflict.Complex(conflict.Classify(hunksFeature, hunksTarget)); len(complexConflicts) > 0 {
		files := make([]string, 0, len(complexConflicts))
		for _, c := range complexConflicts {
			files = append(files, c.File)
		}
		s.log.Warn("merge blocked on complex conflicts",
			"epic_id", epic.ID, "branch", epic.BranchName, "files", files)
		rejections = append(rejections, MergeRejection{
			Reason: "overlapping changes require human review",
			Files:  files,
		})
	}

	if len(rejections) > 0 {
		return MergeOutcome{Rejections: rejections}, nil
	}

	// All conflicts are simple at this point; the merge strategy prefers
	// the feature branch's side.
	if err := s.git.Merge(ctx, repoDir, epic.BranchName, targetBranch); err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: %w", epic.ID, err)
	}
	if err := s.git.Push(ctx, repoDir, targetBranch); err != nil {
		return MergeOutcome{}, fmt.Errorf("merge epic %s: push target: %w", epic.ID, err)
	}

	s.log.Info("epic merged", "epic_id", epic.ID, "branch", epic.BranchName, "target", targetBranch)
	return MergeOutcome{Merged: true}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
