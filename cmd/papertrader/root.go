package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/papertrader/internal/app"
	"github.com/alanyoungcy/papertrader/internal/config"
	"github.com/alanyoungcy/papertrader/internal/logging"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "papertrader",
		Short: "Simulated leveraged trading engine",
		Long: `papertrader runs a paper trading engine for leveraged perpetual
positions: market, limit and stop orders with stop loss, take profit and
liquidation, evaluated against live exchange prices.

State is kept in PostgreSQL with a local SQLite cache for offline operation.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.toml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config file")

	root.AddCommand(
		newServeCmd(opts),
		newMonitorCmd(opts),
		newDiagnoseCmd(opts),
		newRecoverCmd(opts),
		newRepairCmd(opts),
		newBackupCmd(opts),
		newArchiveCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// runtime is what every subcommand needs after flag parsing.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
	closer io.Closer
}

func (r *runtime) Close() {
	r.app.Close()
	_ = r.closer.Close()
}

// setup loads and validates the configuration and builds the logger and
// application. mode, when set, overrides the configured mode.
func setup(opts *rootOptions, mode string) (*runtime, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &runtime{cfg: cfg, logger: logger, app: app.New(cfg, logger), closer: closer}, nil
}

// runService runs the application in mode until SIGINT or SIGTERM.
func runService(cmd *cobra.Command, opts *rootOptions, mode string) error {
	rt, err := setup(opts, mode)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("papertrader starting",
		slog.String("mode", rt.cfg.Mode),
		slog.String("config", opts.configPath),
	)

	if err := rt.app.Run(cmd.Context()); err != nil && err != context.Canceled {
		rt.logger.Error("application exited with error", slog.String("error", err.Error()))
		return fmt.Errorf("papertrader: %w", err)
	}
	rt.logger.Info("papertrader stopped")
	return nil
}
