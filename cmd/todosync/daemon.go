package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/daemon"
	"github.com/todosync/todosync/internal/dashboard"
)

var (
	daemonDashboard     bool
	daemonDashboardAddr string
)

var daemonCmd = &cobra.Command{
	Use:         "daemon",
	GroupID:     "sync",
	Short:       "Keep task files in sync in the background",
	Annotations: map[string]string{annotationLongRunning: "true"},
	Long: `Run in the foreground and keep both task files in sync.

The daemon:
  - Syncs both files on startup and every sync.interval
  - Retries failed syncs with exponential backoff
  - Reloads a file edited by another program and syncs it
  - Flushes unsaved edits on shutdown

With --dashboard, sync events are streamed to WebSocket clients on /ws.

Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		d, err := daemon.New(e.coord, e.local, e.local.Dir(), &daemon.Config{
			DebounceInterval:     cfg.Sync.Debounce,
			SyncInterval:         cfg.Sync.Interval,
			RetryInitialInterval: cfg.Sync.RetryInterval,
			SyncOnStartup:        cfg.Sync.OnStartup,
			Watch:                cfg.Sync.Watch,
			Logger:               logger,
		})
		if err != nil {
			return err
		}

		if daemonDashboard || cfg.Dashboard.Enabled {
			addr := cfg.Dashboard.Addr
			if daemonDashboardAddr != "" {
				addr = daemonDashboardAddr
			}
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   addr,
				Status: dashboard.StatusOf(e.primary, e.archive),
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Warn("failed to stop dashboard", zap.Error(err))
				}
			}()

			handler := dashboard.NewHandler(server, logger)
			detachPrimary := handler.Attach(e.primary)
			detachArchive := handler.Attach(e.archive)
			defer handler.Wait()
			defer detachArchive()
			defer detachPrimary()

			fmt.Printf("Dashboard: ws://%s/ws\n", server.Addr())
		}

		fmt.Printf("Watching %s (Ctrl+C to stop)\n", e.local.Dir())
		return d.Start(cmd.Context())
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "serve sync events over WebSocket")
	daemonCmd.Flags().StringVar(&daemonDashboardAddr, "dashboard-addr", "", "dashboard listen address (default dashboard.addr)")
	rootCmd.AddCommand(daemonCmd)
}
