// Package task provides the todo.txt task model used by the sync engine.
//
// A Task is a single line of a todo.txt file. Its identity is its serialized
// text: two tasks are equal when their lines are equal. Derived fields
// (completion, priority, dates, projects, contexts) are parsed from the line
// and never stored separately.
package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout is the todo.txt date format.
const DateLayout = "2006-01-02"

// ErrMalformed is returned when file content cannot be a todo.txt file.
var ErrMalformed = errors.New("malformed task file")

// Task is one line of a todo.txt file.
type Task struct {
	raw string

	// Completed is true when the line starts with "x ".
	Completed bool

	// Priority is the single upper-case letter from "(A) ", or 0.
	Priority byte

	// CompletedOn is the completion date for completed tasks, if present.
	CompletedOn string

	// CreatedOn is the creation date, if present.
	CreatedOn string

	// Body is the line without completion, priority and date prefixes.
	Body string

	// Projects are the "+project" tags without the plus sign.
	Projects []string

	// Contexts are the "@context" tags without the at sign.
	Contexts []string
}

// Parse parses a single line. Any line is a valid task; blank lines become
// empty tasks so that line positions survive a round trip.
func Parse(line string) Task {
	line = strings.TrimRight(line, "\r\n")
	t := Task{raw: line}

	rest := line
	if strings.HasPrefix(rest, "x ") {
		t.Completed = true
		rest = rest[2:]
		if d, r, ok := cutDate(rest); ok {
			t.CompletedOn = d
			rest = r
		}
	} else if len(rest) >= 4 && rest[0] == '(' && rest[2] == ')' && rest[3] == ' ' &&
		rest[1] >= 'A' && rest[1] <= 'Z' {
		t.Priority = rest[1]
		rest = rest[4:]
	}

	if d, r, ok := cutDate(rest); ok {
		t.CreatedOn = d
		rest = r
	}

	t.Body = rest
	for _, word := range strings.Fields(rest) {
		switch {
		case len(word) > 1 && word[0] == '+':
			t.Projects = append(t.Projects, word[1:])
		case len(word) > 1 && word[0] == '@':
			t.Contexts = append(t.Contexts, word[1:])
		}
	}

	return t
}

// cutDate splits a leading "YYYY-MM-DD " from s.
func cutDate(s string) (date, rest string, ok bool) {
	if len(s) < len(DateLayout)+1 || s[len(DateLayout)] != ' ' {
		return "", s, false
	}
	if _, err := time.Parse(DateLayout, s[:len(DateLayout)]); err != nil {
		return "", s, false
	}
	return s[:len(DateLayout)], s[len(DateLayout)+1:], true
}

// String returns the serialized line.
func (t Task) String() string {
	return t.raw
}

// Equal reports whether two tasks serialize to the same line.
func (t Task) Equal(other Task) bool {
	return t.raw == other.raw
}

// IsEmpty reports whether the task is a blank line.
func (t Task) IsEmpty() bool {
	return strings.TrimSpace(t.raw) == ""
}

// HasPriority reports whether the task carries a priority.
func (t Task) HasPriority() bool {
	return t.Priority != 0
}

// HasProject reports whether the task is tagged with +project.
func (t Task) HasProject(project string) bool {
	for _, p := range t.Projects {
		if strings.EqualFold(p, project) {
			return true
		}
	}
	return false
}

// HasContext reports whether the task is tagged with @context.
func (t Task) HasContext(context string) bool {
	for _, c := range t.Contexts {
		if strings.EqualFold(c, context) {
			return true
		}
	}
	return false
}

// Complete returns a copy marked done on the given day. Priority is dropped,
// following the todo.txt convention for completed tasks.
func (t Task) Complete(on time.Time) Task {
	if t.Completed || t.IsEmpty() {
		return t
	}
	var b strings.Builder
	b.WriteString("x ")
	b.WriteString(on.Format(DateLayout))
	b.WriteByte(' ')
	if t.CreatedOn != "" {
		b.WriteString(t.CreatedOn)
		b.WriteByte(' ')
	}
	b.WriteString(t.Body)
	return Parse(b.String())
}

// Reopen returns a copy with the completion marker and date removed.
func (t Task) Reopen() Task {
	if !t.Completed {
		return t
	}
	if t.CreatedOn != "" {
		return Parse(t.CreatedOn + " " + t.Body)
	}
	return Parse(t.Body)
}

// ToggleCompletion flips the completion state.
func (t Task) ToggleCompletion(now time.Time) Task {
	if t.Completed {
		return t.Reopen()
	}
	return t.Complete(now)
}

// WithPriority returns a copy with the priority replaced. Zero clears it.
// Completed tasks are returned unchanged.
func (t Task) WithPriority(p byte) Task {
	if t.Completed {
		return t
	}
	line := t.Body
	if t.CreatedOn != "" {
		line = t.CreatedOn + " " + line
	}
	if p != 0 {
		line = fmt.Sprintf("(%c) %s", p, line)
	}
	return Parse(line)
}

// ParseAll parses file content into tasks. Content must be UTF-8 text; a
// trailing newline does not produce an extra empty task.
func ParseAll(data []byte) ([]Task, error) {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, ErrMalformed
	}
	if len(data) == 0 {
		return []Task{}, nil
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")

	tasks := make([]Task, 0, len(lines))
	for _, line := range lines {
		tasks = append(tasks, Parse(line))
	}
	return tasks, nil
}

// Serialize renders tasks one per line, each terminated by a newline.
func Serialize(tasks []Task) []byte {
	var buf bytes.Buffer
	for _, t := range tasks {
		buf.WriteString(t.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
