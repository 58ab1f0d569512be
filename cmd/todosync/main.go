// Command todosync keeps todo.txt files in sync with a remote store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/todosync/todosync/internal/config"
	"github.com/todosync/todosync/internal/logging"
	"github.com/todosync/todosync/internal/telemetry"
)

var version = "dev"

var (
	cfgFile string
	verbose bool

	cfg         *config.Config
	logger      = zap.NewNop()
	closeLogger = func() error { return nil }
)

// annotationNoConfig marks commands that run without loading the config.
const annotationNoConfig = "no-config"

// annotationLongRunning marks commands that log at the configured level
// rather than only warnings.
const annotationLongRunning = "long-running"

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Local-first sync for todo.txt files",
	Long: `todosync keeps a todo.txt file and its done.txt archive in sync with a
remote copy shared by other devices.

Edits are always made to the local files first. A sync compares the local
file, the remote file and the copy from the last successful sync, then
pushes, pulls or merges line by line so that edits from both sides survive.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoConfig] != "" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		logCfg := cfg.Log
		if verbose {
			logCfg.Level = "debug"
		} else if cmd.Annotations[annotationLongRunning] == "" {
			if lvl, _ := logging.ParseLevel(logCfg.Level); lvl < zapcore.WarnLevel {
				logCfg.Level = "warn"
			}
		}
		logger, closeLogger, err = logging.New(logCfg, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := telemetry.Init(cmd.Context(), telemetry.Config{Enabled: cfg.Telemetry.Enabled}, "todosync", version); err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

// execute runs cmd and then flushes telemetry and the log file. Cobra skips
// post-run hooks when a command fails, so the flush happens here.
func execute(ctx context.Context, cmd *cobra.Command) error {
	defer func() {
		telemetry.Shutdown(context.Background())
		_ = closeLogger()
	}()
	return cmd.ExecuteContext(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, rootCmd)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
