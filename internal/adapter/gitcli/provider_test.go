package gitcli

import (
	"testing"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
)

func TestParseHunks(t *testing.T) {
	diff := `diff --git a/api/user.go b/api/user.go
index 1111111..2222222 100644
--- a/api/user.go
+++ b/api/user.go
@@ -10,3 +10,5 @@ func Get() {
+added
@@ -40 +42 @@ func Put() {
+changed
diff --git a/web/app.ts b/web/app.ts
--- a/web/app.ts
+++ b/web/app.ts
@@ -5,2 +5,0 @@ removed lines
`
	got := parseHunks(diff)
	want := []conflict.Hunk{
		{File: "api/user.go", Start: 10, End: 14},
		{File: "api/user.go", Start: 42, End: 42},
		{File: "web/app.ts", Start: 5, End: 5},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d hunks, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hunk %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseHunks_EmptyDiff(t *testing.T) {
	if got := parseHunks(""); len(got) != 0 {
		t.Fatalf("expected no hunks, got %+v", got)
	}
}

func TestCapabilities(t *testing.T) {
	p := NewProvider(nil)
	caps := p.Capabilities()
	if !caps.DiffHunks || !caps.Merge {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
	if p.Name() != "gitcli" {
		t.Fatalf("name = %s", p.Name())
	}
}
