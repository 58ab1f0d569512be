package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todosync/todosync/internal/orchestrator"
	"github.com/todosync/todosync/internal/remote"
	tsync "github.com/todosync/todosync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:       "sync [primary|archive|all]",
	GroupID:   "sync",
	Short:     "Sync task files with the remote",
	ValidArgs: []string{filePrimary, fileArchive, fileAll},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `Reconcile local task files with their remote copies.

For each file the sync:
  1. Uploads the local file if the remote has none
  2. Downloads the remote file if it changed and nothing changed locally
  3. Uploads the local file if only it changed
  4. Merges line by line when both changed, keeping edits from both sides

With no argument both files are synced concurrently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		which := fileAll
		if len(args) == 1 {
			which = args[0]
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		files, err := e.files(which)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var errs []error
		if which == fileAll {
			if err := e.coord.SyncAll(ctx); err != nil {
				errs = append(errs, err)
			}
		} else if err := files[0].Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", files[0].Name(), err))
		}

		for _, o := range files {
			st, err := o.Status(ctx)
			if err != nil {
				return err
			}
			failed := errorFor(errs, o.Name())
			switch {
			case failed:
				fmt.Printf("%s %s\n", failStyle.Render(iconFail), o.Name())
			case st.Metadata.HasChanges:
				fmt.Printf("%s %s has unpushed changes\n", warnStyle.Render(iconWarn), o.Name())
			default:
				fmt.Printf("%s %s %s\n", passStyle.Render(iconPass), o.Name(),
					mutedStyle.Render("at "+shortRevision(st.Metadata.LocalRevision)))
			}
		}

		err = errors.Join(errs...)
		if remote.IsAuthError(err) {
			return fmt.Errorf("%w\nRun 'todosync auth set-token' to store a new access token", err)
		}
		return err
	},
}

var archiveCmd = &cobra.Command{
	Use:     "archive",
	GroupID: "tasks",
	Short:   "Move completed tasks to the archive file",
	Long: `Move completed tasks from the primary file to the archive file and push both.

The archive is synced first, then completed tasks are appended to it in their
original order and removed from the primary file. The archive is pushed
before the primary file, so an interrupted run can leave a task in both files
but never in neither.

With archive.preserve_line_numbers set, each moved task leaves a blank line
so the remaining tasks keep their line numbers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.coord.Archive(cmd.Context())
		var stepErr *orchestrator.StepError
		if errors.As(err, &stepErr) && errors.Is(err, tsync.ErrSyncInProgress) {
			return fmt.Errorf("a sync is already running, try again shortly")
		}
		if err != nil {
			if len(res.Moved) > 0 {
				fmt.Printf("%s Moved %s locally; run 'todosync sync' to finish pushing\n",
					warnStyle.Render(iconWarn), pluralize(len(res.Moved), "task"))
			}
			return err
		}

		if len(res.Moved) == 0 {
			fmt.Println("No completed tasks to archive")
			return nil
		}
		fmt.Printf("%s Archived %s to %s\n", passStyle.Render(iconPass),
			pluralize(len(res.Moved), "task"), e.archive.Name())
		return nil
	},
}

func errorFor(errs []error, name string) bool {
	for _, err := range errs {
		if err != nil && containsName(err, name) {
			return true
		}
	}
	return false
}

// containsName reports whether err, or any error it joins, is prefixed with
// the file name.
func containsName(err error, name string) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if containsName(e, name) {
				return true
			}
		}
		return false
	}
	msg := err.Error()
	return len(msg) > len(name) && msg[:len(name)+1] == name+":"
}

func shortRevision(rev string) string {
	if rev == "" {
		return "(never synced)"
	}
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(archiveCmd)
}
