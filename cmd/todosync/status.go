package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	tsync "github.com/todosync/todosync/internal/sync"
)

var statusDiff bool

var statusCmd = &cobra.Command{
	Use:       "status [primary|archive|all]",
	GroupID:   "sync",
	Short:     "Show the sync state of each file",
	ValidArgs: []string{filePrimary, fileArchive, fileAll},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `Show the sync state of each tracked file without contacting the remote.

With --diff the local file is compared with the copy from the last
successful sync, showing the edits the next sync will push or merge.`,
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

		fmt.Printf("%s %s (%s)\n", headerStyle.Render("Remote:"), cfg.Remote.Kind, remoteLocation())
		fmt.Printf("%s %s\n\n", headerStyle.Render("Local:"), e.local.Dir())

		for i, o := range files {
			if i > 0 {
				fmt.Println()
			}
			st, err := o.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(renderStatus(st))

			if statusDiff {
				d, err := localDiff(e, o)
				if err != nil {
					return err
				}
				if d == "" {
					fmt.Println(mutedStyle.Render("  no local edits since last sync"))
				} else {
					fmt.Println(d)
				}
			}
		}
		return nil
	},
}

// renderStatus formats one file's status block.
func renderStatus(st tsync.Status) string {
	var b strings.Builder
	b.WriteString(accentStyle.Bold(true).Render(st.Name))
	b.WriteByte('\n')

	exists := "missing"
	if st.LocalExists {
		exists = "present"
	}
	fmt.Fprintf(&b, "  local file:  %s\n", exists)
	fmt.Fprintf(&b, "  revision:    %s\n", shortRevision(st.Metadata.LocalRevision))

	changes := passStyle.Render("none")
	if st.Metadata.HasChanges {
		changes = warnStyle.Render("pending push")
	}
	fmt.Fprintf(&b, "  changes:     %s\n", changes)
	if !st.Metadata.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "  updated:     %s\n", st.Metadata.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "  state:       %s", st.State)
	return b.String()
}

// localDiff compares the merge cache with the local file.
func localDiff(e *engine, o *tsync.Orchestrator) (string, error) {
	base, err := e.local.Read(o.Name() + tsync.MergeCacheSuffix)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	current, err := e.local.Read(o.Name())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return lineDiff(string(base), string(current)), nil
}

// lineDiff renders the lines removed from and added to before, prefixed with
// "-" and "+". It returns "" when the texts are equal.
func lineDiff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []string
	for _, d := range diffs {
		var prefix string
		var style = mutedStyle
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix, style = "- ", failStyle
		case diffmatchpatch.DiffInsert:
			prefix, style = "+ ", passStyle
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, "  "+style.Render(prefix+line))
		}
	}
	return strings.Join(out, "\n")
}

func remoteLocation() string {
	switch cfg.Remote.Kind {
	case "dir":
		return cfg.Remote.Dir + cfg.Files.RemotePath
	case "s3":
		return "s3://" + cfg.Remote.Bucket + "/" + strings.Trim(cfg.Remote.Prefix+cfg.Files.RemotePath, "/")
	default:
		return cfg.Files.RemotePath
	}
}

func init() {
	statusCmd.Flags().BoolVar(&statusDiff, "diff", false, "show local edits since the last sync")
	rootCmd.AddCommand(statusCmd)
}
