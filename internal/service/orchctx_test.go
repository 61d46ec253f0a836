package service

import (
	"strings"
	"testing"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
)

func TestOrchContextPromptOrder(t *testing.T) {
	octx := NewOrchContext(&task.Task{ID: "t1"}, nil)
	octx.RecordOutput(phase.TaskBreakdown, "the plan")
	octx.RecordOutput(phase.RequirementsAnalysis, "the requirements")

	out := octx.PromptContext()
	reqIdx := strings.Index(out, "the requirements")
	planIdx := strings.Index(out, "the plan")
	if reqIdx < 0 || planIdx < 0 {
		t.Fatalf("prompt context missing outputs:\n%s", out)
	}
	if reqIdx > planIdx {
		t.Error("requirements should render before the breakdown plan")
	}
}

func TestOrchContextCompact(t *testing.T) {
	octx := NewOrchContext(&task.Task{ID: "t1"}, nil)
	octx.RecordOutput(phase.RequirementsAnalysis, strings.Repeat("a", 1000))
	octx.RecordOutput(phase.TaskBreakdown, strings.Repeat("b", 1000))
	octx.RecordOutput(phase.TeamExecution, strings.Repeat("c", 1000))

	octx.Compact(1500)

	if octx.AccumulatedSize() > 1500 {
		t.Errorf("size = %d after compaction, want <= 1500", octx.AccumulatedSize())
	}
	if _, ok := octx.Outputs[phase.TeamExecution]; !ok {
		t.Error("most recent output must survive compaction verbatim")
	}
	if octx.Summary == "" {
		t.Error("compacted outputs must be folded into the summary")
	}
	if !strings.Contains(octx.Summary, string(phase.RequirementsAnalysis)) {
		t.Error("summary should name the oldest compacted phase")
	}
}

func TestOrchContextCompactUnderCutoffIsNoop(t *testing.T) {
	octx := NewOrchContext(&task.Task{ID: "t1"}, nil)
	octx.RecordOutput(phase.RequirementsAnalysis, "short")

	octx.Compact(1 << 16)

	if octx.Summary != "" {
		t.Error("nothing should be compacted under the cutoff")
	}
	if octx.Outputs[phase.RequirementsAnalysis] != "short" {
		t.Error("output must be untouched")
	}
}
