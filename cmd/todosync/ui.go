package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/todosync/todosync/internal/task"
)

func init() {
	// Honors NO_COLOR and CLICOLOR_FORCE and drops color when stdout is
	// not a terminal.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	headerStyle = accentStyle.Bold(true)
	doneStyle   = mutedStyle.Strikethrough(true)
)

// priorityStyles colors the first three priorities yellow, green and cyan.
var priorityStyles = map[byte]lipgloss.Style{
	'A': lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(termenv.ANSIYellow)),
	'B': lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(termenv.ANSIGreen)),
	'C': lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(termenv.ANSICyan)),
}

const (
	iconPass = "✓"
	iconWarn = "⚠"
	iconFail = "✗"
)

// taskStyle picks the display style for a task.
func taskStyle(t task.Task) lipgloss.Style {
	if t.Completed {
		return doneStyle
	}
	if s, ok := priorityStyles[t.Priority]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// renderTask formats one list row. num is the 1-based line number.
func renderTask(num int, t task.Task, width int) string {
	n := mutedStyle.Render(fmt.Sprintf("%*d", width, num))
	return n + " " + taskStyle(t).Render(t.String())
}

func digits(n int) int {
	return len(fmt.Sprint(n))
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
