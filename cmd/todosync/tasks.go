package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	tsync "github.com/todosync/todosync/internal/sync"
	"github.com/todosync/todosync/internal/task"
)

var (
	listProject string
	listContext string
	listArchive bool
	listAll     bool

	addPriority string
	addDue      string
	addNoDate   bool
	addSync     bool

	markSync bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List tasks sorted by priority, with completed tasks last.

The number in front of each task is its line in the file, as used by
'todosync do' and 'todosync undo'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		o := e.primary
		if listArchive {
			o = e.archive
		}
		if err := o.EnsureLoaded(cmd.Context()); err != nil {
			return err
		}

		rows := numberedTasks(o.List().Tasks(), func(t task.Task) bool {
			if listProject != "" && !t.HasProject(listProject) {
				return false
			}
			if listContext != "" && !t.HasContext(listContext) {
				return false
			}
			return listAll || listArchive || !t.Completed
		})
		if len(rows) == 0 {
			fmt.Println("No tasks")
			return nil
		}

		width := digits(o.List().Len())
		for _, r := range rows {
			fmt.Println(renderTask(r.line, r.task, width))
		}
		fmt.Println(mutedStyle.Render("--\n" + pluralize(len(rows), "task")))
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:     "add <text>",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task to the end of the primary file.

The creation date is prepended unless --no-date is given. --due accepts a date
(2024-05-01) or a phrase such as "next friday" or "in 3 days" and is stored as
a due:YYYY-MM-DD tag.`,
	Example: `  todosync add "Call mom @phone +family"
  todosync add -p A --due tomorrow "Pay rent +home"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		t, err := buildTask(strings.Join(args, " "), addPriority, addDue, !addNoDate, now)
		if err != nil {
			return err
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := cmd.Context()
		if err := e.primary.EnsureLoaded(ctx); err != nil {
			return err
		}
		e.primary.List().Add(t)
		if err := e.primary.Save(ctx); err != nil {
			return err
		}
		fmt.Printf("%s Added %d: %s\n", passStyle.Render(iconPass), e.primary.List().Len(), t)
		return syncAfterEdit(cmd, e.primary, addSync)
	},
}

var doCmd = &cobra.Command{
	Use:     "do <line>...",
	GroupID: "tasks",
	Short:   "Mark tasks complete",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		return updateLines(cmd, args, "Completed", func(t task.Task) task.Task { return t.Complete(now) })
	},
}

var undoCmd = &cobra.Command{
	Use:     "undo <line>...",
	GroupID: "tasks",
	Short:   "Reopen completed tasks",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateLines(cmd, args, "Reopened", task.Task.Reopen)
	},
}

// updateLines applies fn to the tasks at the given 1-based lines of the
// primary file as one batch and saves the result.
func updateLines(cmd *cobra.Command, args []string, verb string, fn func(task.Task) task.Task) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if err := e.primary.EnsureLoaded(ctx); err != nil {
		return err
	}
	list := e.primary.List()

	idx, err := parseLines(args, list.Len())
	if err != nil {
		return err
	}

	var updated []task.Task
	var updateErr error
	list.Batch(func() {
		for _, i := range idx {
			t, err := list.Update(i, fn)
			if err != nil {
				updateErr = err
				return
			}
			updated = append(updated, t)
		}
	})
	if updateErr != nil {
		return updateErr
	}
	if err := e.primary.Save(ctx); err != nil {
		return err
	}

	for k, t := range updated {
		fmt.Printf("%s %s %d: %s\n", passStyle.Render(iconPass), verb, idx[k]+1, t)
	}
	return syncAfterEdit(cmd, e.primary, markSync)
}

func syncAfterEdit(cmd *cobra.Command, o *tsync.Orchestrator, enabled bool) error {
	if !enabled {
		return nil
	}
	if err := o.Sync(cmd.Context()); err != nil {
		return fmt.Errorf("saved locally but sync failed: %w", err)
	}
	fmt.Printf("%s Synced %s\n", passStyle.Render(iconPass), o.Name())
	return nil
}

type numberedTask struct {
	line int
	task task.Task
}

// numberedTasks pairs each non-blank task with its 1-based line number and
// returns those kept by keep, sorted for display.
func numberedTasks(tasks []task.Task, keep func(task.Task) bool) []numberedTask {
	var rows []numberedTask
	for i, t := range tasks {
		if t.IsEmpty() || !keep(t) {
			continue
		}
		rows = append(rows, numberedTask{line: i + 1, task: t})
	}
	slices.SortStableFunc(rows, func(a, b numberedTask) int {
		return task.Compare(a.task, b.task)
	})
	return rows
}

// parseLines converts 1-based line arguments to distinct 0-based indexes.
func parseLines(args []string, n int) ([]int, error) {
	seen := make(map[int]bool, len(args))
	idx := make([]int, 0, len(args))
	for _, a := range args {
		num, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid line number %q", a)
		}
		if num < 1 || num > n {
			return nil, fmt.Errorf("line %d out of range (file has %d lines)", num, n)
		}
		if seen[num] {
			continue
		}
		seen[num] = true
		idx = append(idx, num-1)
	}
	return idx, nil
}

// buildTask assembles a new task line from its parts.
func buildTask(text, priority, due string, dated bool, now time.Time) (task.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return task.Task{}, fmt.Errorf("task text cannot be empty")
	}
	if strings.ContainsAny(text, "\r\n") {
		return task.Task{}, fmt.Errorf("task text must be a single line")
	}

	var b strings.Builder
	if priority != "" {
		p := strings.ToUpper(priority)
		if len(p) != 1 || p[0] < 'A' || p[0] > 'Z' {
			return task.Task{}, fmt.Errorf("invalid priority %q (want A-Z)", priority)
		}
		fmt.Fprintf(&b, "(%s) ", p)
	}
	if dated {
		b.WriteString(now.Format(task.DateLayout))
		b.WriteByte(' ')
	}
	b.WriteString(text)

	if due != "" {
		d, err := parseDue(due, now)
		if err != nil {
			return task.Task{}, err
		}
		b.WriteString(" due:")
		b.WriteString(d.Format(task.DateLayout))
	}
	return task.Parse(b.String()), nil
}

// parseDue accepts an ISO date or a natural language phrase relative to now.
func parseDue(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(task.DateLayout, s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid due date %q", s)
	}
	return r.Time, nil
}

func init() {
	listCmd.Flags().StringVarP(&listProject, "project", "P", "", "only tasks tagged +project")
	listCmd.Flags().StringVarP(&listContext, "context", "c", "", "only tasks tagged @context")
	listCmd.Flags().BoolVar(&listArchive, "archive", false, "list the archive file")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include completed tasks")

	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "", "priority A-Z")
	addCmd.Flags().StringVar(&addDue, "due", "", "due date (YYYY-MM-DD or a phrase like \"next monday\")")
	addCmd.Flags().BoolVar(&addNoDate, "no-date", false, "do not prepend the creation date")
	addCmd.Flags().BoolVar(&addSync, "sync", false, "sync the primary file after adding")

	for _, c := range []*cobra.Command{doCmd, undoCmd} {
		c.Flags().BoolVar(&markSync, "sync", false, "sync the primary file after the change")
	}

	rootCmd.AddCommand(listCmd, addCmd, doCmd, undoCmd)
}
