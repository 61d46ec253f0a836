package workspacefs

import "testing"

func TestParseShortstat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want [3]int // files, insertions, deletions
	}{
		{"full", " 3 files changed, 10 insertions(+), 2 deletions(-)\n", [3]int{3, 10, 2}},
		{"single file", " 1 file changed, 1 insertion(+)\n", [3]int{1, 1, 0}},
		{"deletions only", " 2 files changed, 5 deletions(-)\n", [3]int{2, 0, 5}},
		{"empty", "", [3]int{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseShortstat(tt.in)
			if got.FilesChanged != tt.want[0] || got.Insertions != tt.want[1] || got.Deletions != tt.want[2] {
				t.Fatalf("parseShortstat(%q) = %+v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiffStatsEmpty(t *testing.T) {
	if !parseShortstat("").Empty() {
		t.Fatal("empty shortstat must report an empty diff")
	}
	if parseShortstat("1 file changed, 1 insertion(+)").Empty() {
		t.Fatal("non-empty shortstat must not report empty")
	}
}
