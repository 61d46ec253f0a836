package service

import (
	"context"
	"testing"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
)

func testEpic() task.Epic {
	return task.Epic{ID: "e1", RepositoryID: "repo-1", Name: "API", BranchName: "epic/api"}
}

func TestMergeEpicCleanMerge(t *testing.T) {
	git := newFakeGit()
	ws := newFakeWorkspace()
	svc := NewMergeService(git, ws, discardLogger())

	out, err := svc.MergeEpic(context.Background(), "/tmp/repo", testEpic(), "main")
	if err != nil {
		t.Fatalf("MergeEpic: %v", err)
	}
	if !out.Merged {
		t.Fatalf("Merged = false, rejections: %+v", out.Rejections)
	}
	if git.merged() != 1 {
		t.Errorf("merge calls = %d, want 1", git.merged())
	}
}

func TestMergeEpicDisjointHunksMerge(t *testing.T) {
	git := newFakeGit()
	// Both sides touched main.go, but in disjoint ranges.
	git.hunks["main...epic/api"] = []conflict.Hunk{{File: "main.go", Start: 10, End: 20}}
	git.hunks["epic/api...main"] = []conflict.Hunk{{File: "main.go", Start: 50, End: 60}}
	svc := NewMergeService(git, newFakeWorkspace(), discardLogger())

	out, err := svc.MergeEpic(context.Background(), "/tmp/repo", testEpic(), "main")
	if err != nil {
		t.Fatalf("MergeEpic: %v", err)
	}
	if !out.Merged {
		t.Fatalf("disjoint line ranges must merge automatically, got %+v", out.Rejections)
	}
}

func TestMergeEpicOverlappingHunksBlock(t *testing.T) {
	git := newFakeGit()
	git.hunks["main...epic/api"] = []conflict.Hunk{{File: "main.go", Start: 10, End: 30}}
	git.hunks["epic/api...main"] = []conflict.Hunk{{File: "main.go", Start: 25, End: 40}}
	svc := NewMergeService(git, newFakeWorkspace(), discardLogger())

	out, err := svc.MergeEpic(context.Background(), "/tmp/repo", testEpic(), "main")
	if err != nil {
		t.Fatalf("MergeEpic: %v", err)
	}
	if out.Merged {
		t.Fatal("overlapping line ranges must block the merge")
	}
	if len(out.Rejections) != 1 {
		t.Fatalf("rejections = %d, want 1", len(out.Rejections))
	}
	if got := out.Rejections[0].Files; len(got) != 1 || got[0] != "main.go" {
		t.Errorf("rejection files = %v, want [main.go]", got)
	}
	if git.merged() != 0 {
		t.Error("a blocked epic must not be merged, even partially")
	}
}

func TestMergeEpicFailingTestsBlock(t *testing.T) {
	git := newFakeGit()
	ws := newFakeWorkspace()
	ws.reports = []workspace.TestReport{{Passed: false, Output: "FAIL: TestThing"}}
	svc := NewMergeService(git, ws, discardLogger())

	out, err := svc.MergeEpic(context.Background(), "/tmp/repo", testEpic(), "main")
	if err != nil {
		t.Fatalf("MergeEpic: %v", err)
	}
	if out.Merged {
		t.Fatal("red tests must block the merge")
	}
	if len(out.Rejections) != 1 {
		t.Fatalf("rejections = %d, want 1", len(out.Rejections))
	}
	if out.Rejections[0].Detail == "" {
		t.Error("test rejection must carry the failing output")
	}
	if git.merged() != 0 {
		t.Error("no merge may happen with a rejection present")
	}
}

func TestMergeEpicCollectsAllRejections(t *testing.T) {
	git := newFakeGit()
	git.hunks["main...epic/api"] = []conflict.Hunk{{File: "a.go", Start: 1, End: 5}}
	git.hunks["epic/api...main"] = []conflict.Hunk{{File: "a.go", Start: 3, End: 8}}
	ws := newFakeWorkspace()
	ws.reports = []workspace.TestReport{{Passed: false, Output: "FAIL"}}
	svc := NewMergeService(git, ws, discardLogger())

	out, err := svc.MergeEpic(context.Background(), "/tmp/repo", testEpic(), "main")
	if err != nil {
		t.Fatalf("MergeEpic: %v", err)
	}
	if len(out.Rejections) != 2 {
		t.Errorf("rejections = %d, want both the test failure and the conflict", len(out.Rejections))
	}
}
