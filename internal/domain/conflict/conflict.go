// Package conflict classifies textual divergence between two branches that
// touch the same files, by comparing changed line ranges.
package conflict

import (
	"fmt"
	"sort"
)

// Hunk is one contiguous changed line range in a file on one branch.
type Hunk struct {
	File  string `json:"file"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Kind is the classification of a file-level conflict.
type Kind string

const (
	// KindNone means only one side changed the file.
	KindNone Kind = "none"
	// KindSimple means both sides changed the file but in disjoint line
	// ranges. Resolved automatically by preferring the feature branch.
	KindSimple Kind = "simple"
	// KindComplex means changed line ranges overlap. Merging is blocked
	// and escalated to a human reviewer.
	KindComplex Kind = "complex"
)

// FileConflict is the classification result for one file.
type FileConflict struct {
	File     string `json:"file"`
	Kind     Kind   `json:"kind"`
	Overlaps []Span `json:"overlaps,omitempty"`
}

// Span is one overlapping line range between the two branches.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) String() string { return fmt.Sprintf("%d-%d", s.Start, s.End) }

func overlap(a, b Hunk) (Span, bool) {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	if start > end {
		return Span{}, false
	}
	return Span{Start: start, End: end}, true
}

// Classify compares hunks from the feature branch against hunks from the
// target branch and classifies each file both sides touched. Files changed on
// only one side are omitted.
func Classify(feature, target []Hunk) []FileConflict {
	byFile := func(hunks []Hunk) map[string][]Hunk {
		m := make(map[string][]Hunk)
		for _, h := range hunks {
			m[h.File] = append(m[h.File], h)
		}
		return m
	}
	fm, tm := byFile(feature), byFile(target)

	var out []FileConflict
	for file, fhs := range fm {
		ths, ok := tm[file]
		if !ok {
			continue
		}
		fc := FileConflict{File: file, Kind: KindSimple}
		for _, fh := range fhs {
			for _, th := range ths {
				if sp, hit := overlap(fh, th); hit {
					fc.Overlaps = append(fc.Overlaps, sp)
				}
			}
		}
		if len(fc.Overlaps) > 0 {
			fc.Kind = KindComplex
			sort.Slice(fc.Overlaps, func(i, j int) bool { return fc.Overlaps[i].Start < fc.Overlaps[j].Start })
		}
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Complex returns the subset of conflicts that block a merge.
func Complex(conflicts []FileConflict) []FileConflict {
	var out []FileConflict
	for _, c := range conflicts {
		if c.Kind == KindComplex {
			out = append(out, c)
		}
	}
	return out
}
