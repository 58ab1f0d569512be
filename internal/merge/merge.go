// Package merge implements the line-based three-way merge used to reconcile
// a local task list with a remote one.
//
// The merge aligns both sides against the common ancestor with a line diff
// (sergi/go-diff). For every ancestor line:
//
//   - kept by both sides: kept
//   - deleted by either side: deleted (a modification is a delete plus an insert)
//
// Lines inserted at the same ancestor position are emitted theirs first, then
// ours, with lines that both sides inserted emitted once. When both sides
// modify the same line, both versions survive: nothing a user typed is lost.
package merge

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/todosync/todosync/internal/task"
)

// Merger merges two descendants of a common ancestor.
type Merger interface {
	Merge(ancestor, theirs, ours []task.Task) []task.Task
}

// ThreeWay is the default line-based Merger.
type ThreeWay struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// New creates a ThreeWay merger.
func New() *ThreeWay {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &ThreeWay{dmp: dmp}
}

// Merge returns the merged task list. Inputs are not modified.
func (m *ThreeWay) Merge(ancestor, theirs, ours []task.Task) []task.Task {
	base := toLines(ancestor)
	t := m.align(base, toLines(theirs))
	o := m.align(base, toLines(ours))

	out := make([]task.Task, 0, len(theirs)+len(ours))
	for i := 0; i <= len(base); i++ {
		for _, line := range unionInserts(t.inserts[i], o.inserts[i]) {
			out = append(out, task.Parse(line))
		}
		if i < len(base) && !t.deleted[i] && !o.deleted[i] {
			out = append(out, ancestor[i])
		}
	}
	return out
}

// alignment describes one side relative to the ancestor.
type alignment struct {
	// deleted[i] is true when ancestor line i is absent from the side.
	deleted []bool
	// inserts[i] holds lines the side added before ancestor line i;
	// inserts[len(base)] holds lines appended at the end.
	inserts [][]string
}

func (m *ThreeWay) align(base, side []string) alignment {
	a := alignment{
		deleted: make([]bool, len(base)),
		inserts: make([][]string, len(base)+1),
	}

	c1, c2, lineArray := m.dmp.DiffLinesToChars(joinLines(base), joinLines(side))
	diffs := m.dmp.DiffMain(c1, c2, false)
	diffs = m.dmp.DiffCharsToLines(diffs, lineArray)

	pos := 0
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += len(lines)
		case diffmatchpatch.DiffDelete:
			for range lines {
				a.deleted[pos] = true
				pos++
			}
		case diffmatchpatch.DiffInsert:
			a.inserts[pos] = append(a.inserts[pos], lines...)
		}
	}
	return a
}

// unionInserts returns theirs followed by the lines of ours not already
// present in theirs (counted as a multiset).
func unionInserts(theirs, ours []string) []string {
	if len(ours) == 0 {
		return theirs
	}
	if len(theirs) == 0 {
		return ours
	}

	seen := make(map[string]int, len(theirs))
	for _, l := range theirs {
		seen[l]++
	}
	out := append([]string(nil), theirs...)
	for _, l := range ours {
		if seen[l] > 0 {
			seen[l]--
			continue
		}
		out = append(out, l)
	}
	return out
}

func toLines(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.String()
	}
	return out
}

func joinLines(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// splitLines splits newline-terminated text. "\n" is one blank line.
func splitLines(text string) []string {
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
