package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/database"
)

// OrchContext is the per-task blackboard shared across phases. Phases read
// and write it sequentially; results written by one phase happen-before the
// next phase's execution. There are never concurrent writers.
type OrchContext struct {
	Task          *task.Task
	Repositories  []database.Repository
	WorkspacePath string
	Credential    string

	// Outputs accumulates raw phase output for downstream prompts.
	Outputs map[phase.Name]string

	// Summary replaces compacted-away outputs so later prompts keep the
	// gist without the bulk.
	Summary string

	Warnings []string
}

// NewOrchContext builds the blackboard for one orchestration run.
func NewOrchContext(t *task.Task, repos []database.Repository) *OrchContext {
	return &OrchContext{
		Task:         t,
		Repositories: repos,
		Outputs:      make(map[phase.Name]string),
	}
}

// Repository returns the loaded repository with the given ID, or nil.
func (c *OrchContext) Repository(id string) *database.Repository {
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			return &c.Repositories[i]
		}
	}
	return nil
}

// RecordOutput stores a phase's raw output for downstream prompts.
func (c *OrchContext) RecordOutput(name phase.Name, output string) {
	c.Outputs[name] = output
}

// AccumulatedSize returns the total bytes of retained phase output.
func (c *OrchContext) AccumulatedSize() int {
	n := len(c.Summary)
	for _, out := range c.Outputs {
		n += len(out)
	}
	return n
}

// PromptContext renders the retained outputs, oldest phase first, for
// inclusion in an agent prompt.
func (c *OrchContext) PromptContext() string {
	var b strings.Builder
	if c.Summary != "" {
		b.WriteString("Earlier phases (summarized):\n")
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	for _, name := range phase.Order() {
		out, ok := c.Outputs[name]
		if !ok || out == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", name, out)
	}
	return b.String()
}

// Compact folds the oldest phase outputs into the summary until the retained
// size drops under cutoff. The most recent output is always kept verbatim:
// the next phase usually depends on it.
func (c *OrchContext) Compact(cutoff int) {
	if c.AccumulatedSize() <= cutoff {
		return
	}

	var names []phase.Name
	for name := range c.Outputs {
		names = append(names, name)
	}
	order := phase.Order()
	rank := make(map[phase.Name]int, len(order))
	for i, n := range order {
		rank[n] = i
	}
	rank[phase.Fixer] = len(order)
	sort.Slice(names, func(i, j int) bool { return rank[names[i]] < rank[names[j]] })

	for _, name := range names {
		if len(c.Outputs) <= 1 || c.AccumulatedSize() <= cutoff {
			break
		}
		out := c.Outputs[name]
		c.Summary += fmt.Sprintf("- %s: %s\n", name, truncate(out, 400))
		delete(c.Outputs, name)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
