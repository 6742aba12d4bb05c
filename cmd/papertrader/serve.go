package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/papertrader/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var monitorAll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		Long: `Serve the trading API. Each user's engine loads on first request.

With --monitor-all the process also loads and monitors every funded user,
which is the same as mode = "full".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := app.ModeServer
			if monitorAll {
				mode = app.ModeFull
			}
			return withSignals(cmd, func(cmd *cobra.Command) error {
				return runService(cmd, opts, mode)
			})
		},
	}
	cmd.Flags().BoolVar(&monitorAll, "monitor-all", false, "also monitor every funded user")
	return cmd
}

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Monitor every funded user without serving the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSignals(cmd, func(cmd *cobra.Command) error {
				return runService(cmd, opts, app.ModeMonitor)
			})
		},
	}
}

// withSignals runs fn with a context cancelled on SIGINT or SIGTERM.
func withSignals(cmd *cobra.Command, fn func(*cobra.Command) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)
	return fn(cmd)
}
