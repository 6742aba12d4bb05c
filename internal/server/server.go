// Package server exposes the trading engine over HTTP and websockets.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/server/handler"
	"github.com/alanyoungcy/papertrader/internal/server/middleware"
	"github.com/alanyoungcy/papertrader/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
	// RateBurst applies to the in-process limiter only.
	RateBurst int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Trading *handler.TradingHandler
	Monitor *handler.MonitorHandler
	Sync    *handler.SyncHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, in which case rate limiting runs in-process. wsHub may
// be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	mux := http.NewServeMux()

	// Health check (no auth, no user).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Account.
	mux.HandleFunc("GET /api/account", handlers.Trading.GetAccount)
	mux.HandleFunc("GET /api/account/consistency", handlers.Sync.Consistency)
	mux.HandleFunc("POST /api/account/repair", handlers.Sync.RepairBalance)

	// Orders and positions.
	mux.HandleFunc("POST /api/orders", handlers.Trading.OpenOrder)
	mux.HandleFunc("POST /api/orders/preview", handlers.Trading.PreviewOrder)
	mux.HandleFunc("GET /api/orders/pending", handlers.Trading.ListPending)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Trading.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Trading.CancelOrder)
	mux.HandleFunc("GET /api/positions", handlers.Trading.ListPositions)
	mux.HandleFunc("PATCH /api/positions/{id}", handlers.Trading.EditPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.Trading.ClosePosition)
	mux.HandleFunc("GET /api/history", handlers.Trading.ListHistory)

	// Monitoring lifecycle.
	mux.HandleFunc("GET /api/monitor", handlers.Monitor.Status)
	mux.HandleFunc("PUT /api/monitor/active", handlers.Monitor.SetActive)
	mux.HandleFunc("POST /api/monitor/check", handlers.Monitor.CheckNow)
	mux.HandleFunc("POST /api/monitor/{action}", handlers.Monitor.Control)

	// Sync, recovery and replay.
	mux.HandleFunc("GET /api/sync/diagnose", handlers.Sync.Diagnose)
	mux.HandleFunc("POST /api/sync/recover", handlers.Sync.Recover)
	mux.HandleFunc("POST /api/sync/backup", handlers.Sync.Backup)
	mux.HandleFunc("GET /api/events", handlers.Sync.Events)
	mux.HandleFunc("GET /api/audit", handlers.Sync.Audit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.User("/api/account", "/api/orders", "/api/positions", "/api/history",
		"/api/monitor", "/api/sync", "/api/events", "/api/audit", "/ws")(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.RateLimit > 0 {
		if limiter != nil {
			h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
		} else {
			rps := float64(cfg.RateLimit) / cfg.RateWindow.Seconds()
			h = middleware.LocalRateLimit(rps, max(cfg.RateBurst, 1))(h)
		}
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
