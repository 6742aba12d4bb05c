package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/papertrader/internal/engine"
	"github.com/alanyoungcy/papertrader/internal/feed"
	"github.com/alanyoungcy/papertrader/internal/monitor"
	"github.com/alanyoungcy/papertrader/internal/notify"
	"github.com/alanyoungcy/papertrader/internal/quota"
	"github.com/alanyoungcy/papertrader/internal/server"
	"github.com/alanyoungcy/papertrader/internal/server/handler"
	"github.com/alanyoungcy/papertrader/internal/server/ws"
	"github.com/alanyoungcy/papertrader/internal/session"
)

// userScanInterval is how often monitor mode looks for newly funded users.
const userScanInterval = time.Minute

// ServerMode serves the HTTP and websocket API. Sessions load on first
// request and start monitoring when monitor.auto_start is set.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	sessions := a.newSessions(deps, hub, a.cfg.Monitor.AutoStart)
	defer sessions.Close()

	a.startFeeder(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, sessions, hub)
	g.Go(func() error {
		return sessions.Run(ctx)
	})

	return ignoreCancel(g.Wait())
}

// MonitorMode runs the schedulers of every funded user without an HTTP
// surface. New users are picked up on the next scan.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	g, ctx := errgroup.WithContext(ctx)

	sessions := a.newSessions(deps, nil, true)
	defer sessions.Close()

	a.startFeeder(ctx, g, deps)
	g.Go(func() error {
		return a.scanUsers(ctx, deps, sessions)
	})
	g.Go(func() error {
		return sessions.Run(ctx)
	})

	return ignoreCancel(g.Wait())
}

// FullMode combines server and monitor modes in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	sessions := a.newSessions(deps, hub, true)
	defer sessions.Close()

	a.startFeeder(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, sessions, hub)
	g.Go(func() error {
		return a.scanUsers(ctx, deps, sessions)
	})
	g.Go(func() error {
		return sessions.Run(ctx)
	})

	return ignoreCancel(g.Wait())
}

// newSessions builds the per-user registry. hub receives events in-process
// when there is no bus to carry them.
func (a *App) newSessions(deps *Dependencies, hub *ws.Hub, autoStart bool) *session.Manager {
	var local notify.Broadcaster
	if deps.SignalBus == nil && hub != nil {
		local = hub
	}
	dispatcher := notify.NewDispatcher(deps.Dedup, deps.SignalBus, local, deps.Notifier,
		notify.DispatcherOptions{DedupTTL: a.cfg.Notify.DedupTTL.Duration}, a.logger)

	checker := quota.New(quota.Config{
		MaxWorking:        a.cfg.Quota.MaxWorking,
		MaxOpensPerWindow: a.cfg.Quota.MaxOpensPerWindow,
		Window:            a.cfg.Quota.Window.Duration,
	}, deps.RateLimiter, a.logger)

	locks := deps.Locks
	if !a.cfg.Monitor.DistributedLock {
		locks = nil
	}

	return session.NewManager(deps.Reconciler, deps.Feed, dispatcher, deps.SignalBus, locks, checker, session.Options{
		Engine:         a.engineOptions(),
		Monitor:        a.monitorOptions(),
		InitialBalance: a.cfg.Engine.InitialBalance,
		AutoStart:      autoStart,
		SyncInterval:   a.cfg.Sync.FlushInterval.Duration,
	}, a.logger)
}

func (a *App) engineOptions() engine.Options {
	return engine.Options{
		MarketTolerance: a.cfg.Engine.MarketTolerance,
		GracePeriod:     a.cfg.Engine.GracePeriod.Duration,
		MaxLeverage:     a.cfg.Engine.MaxLeverage,
		EditableModes:   a.cfg.Engine.EditableModes,
		TriggeredExpiry: a.cfg.Engine.TriggeredExpiry.Duration,
	}
}

func (a *App) monitorOptions() monitor.Options {
	return monitor.Options{
		Interval:     a.cfg.Monitor.Interval.Duration,
		CheckTimeout: a.cfg.Monitor.CheckTimeout.Duration,
		LockTTL:      a.cfg.Monitor.LockTTL.Duration,
	}
}

// startFeeder copies ticks published on the bus into the price cache, so
// external price publishers can drive the engine.
func (a *App) startFeeder(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.SignalBus == nil || deps.PriceCache == nil {
		return
	}
	feeder := feed.NewBusFeeder(deps.SignalBus, deps.PriceCache, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})
}

// scanUsers loads a session for every funded user, then rescans on an
// interval. A user that fails to load is retried on the next scan.
func (a *App) scanUsers(ctx context.Context, deps *Dependencies, sessions *session.Manager) error {
	ticker := time.NewTicker(userScanInterval)
	defer ticker.Stop()

	for {
		users, err := deps.Remote.ListUsers(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "app: list users failed", slog.String("error", err.Error()))
		}
		for _, u := range users {
			if _, ok := sessions.Peek(u); ok {
				continue
			}
			if _, err := sessions.Get(ctx, u); err != nil {
				a.logger.WarnContext(ctx, "app: load session failed",
					slog.String("user_id", u),
					slog.String("error", err.Error()),
				)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startHTTPServer registers the REST handlers and websocket hub and shuts the
// server down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, sessions *session.Manager, hub *ws.Hub) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Trading: handler.NewTradingHandler(sessions, deps.Feed, a.logger),
		Monitor: handler.NewMonitorHandler(sessions, a.logger),
		Sync:    handler.NewSyncHandler(deps.Reconciler, sessions, deps.SignalBus, deps.Audit, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		RateBurst:   a.cfg.Server.RateBurst,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCancel treats a cancelled context as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
