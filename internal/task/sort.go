package task

import (
	"cmp"
	"slices"
	"strings"
)

// Compare orders tasks for presentation: tasks with a priority come first,
// then by priority letter, then incomplete before complete, then by body
// ignoring case.
func Compare(a, b Task) int {
	if a.HasPriority() != b.HasPriority() {
		if a.HasPriority() {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if a.Completed != b.Completed {
		if a.Completed {
			return 1
		}
		return -1
	}
	return cmp.Compare(strings.ToLower(a.Body), strings.ToLower(b.Body))
}

// Sort returns a sorted copy of tasks. Blank lines are dropped.
func Sort(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.IsEmpty() {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// Sorted returns the list in presentation order without reordering storage.
func (l *List) Sorted() []Task {
	return Sort(l.Tasks())
}
