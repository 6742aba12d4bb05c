// Package app runs the paper trading service: it wires the stores, caches,
// blob storage, price feed and notifiers named by the configuration and
// starts the goroutines of the selected run mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/papertrader/internal/config"
)

// Run modes.
const (
	ModeServer  = "server"
	ModeMonitor = "monitor"
	ModeFull    = "full"
)

type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	ModeServer:  (*App).ServerMode,
	ModeMonitor: (*App).MonitorMode,
	ModeFull:    (*App).FullMode,
}

// App owns the configuration and the lazily wired dependencies shared by the
// long-running modes and the one-shot maintenance operations.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	closers []func()
}

// New creates an App. Nothing is connected until Run or an operation needs it.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	if a.deps != nil {
		return a.deps, nil
	}
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.deps = deps
	return deps, nil
}

// Run starts the configured mode and blocks until ctx is cancelled or the
// mode fails.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "app: starting", slog.String("mode", mode))

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}
	return run(a, ctx, deps)
}

// Close releases every wired resource, newest first. Later calls do nothing.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("app: shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.deps = nil
}
