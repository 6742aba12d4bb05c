// Package quota enforces per-user limits on opening simulated orders.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Config holds the limits. A zero field disables that check.
type Config struct {
	// MaxWorking caps pending plus open orders per user.
	MaxWorking int
	// MaxOpensPerWindow caps how many orders a user may open per Window.
	MaxOpensPerWindow int
	Window            time.Duration
}

// Checker implements domain.QuotaChecker.
type Checker struct {
	cfg     Config
	limiter domain.RateLimiter
	logger  *slog.Logger
}

var _ domain.QuotaChecker = (*Checker)(nil)

// New creates a Checker. limiter may be nil, which disables the windowed
// check.
func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Checker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Checker{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "quota")),
	}
}

// AllowOpen returns domain.ErrQuotaExceeded when userID, already holding
// working orders, may not open another one.
//
// Checks performed:
//  1. Maximum number of working orders
//  2. Opens within the sliding window
//
// A limiter outage admits the order.
func (c *Checker) AllowOpen(ctx context.Context, userID string, working int) error {
	if c.cfg.MaxWorking > 0 && working >= c.cfg.MaxWorking {
		c.logger.WarnContext(ctx, "quota: max working orders reached",
			slog.String("user_id", userID),
			slog.Int("working", working),
			slog.Int("max", c.cfg.MaxWorking),
		)
		return fmt.Errorf("quota: %d/%d working orders: %w", working, c.cfg.MaxWorking, domain.ErrQuotaExceeded)
	}

	if c.limiter == nil || c.cfg.MaxOpensPerWindow <= 0 {
		return nil
	}
	ok, err := c.limiter.Allow(ctx, "opens:"+userID, c.cfg.MaxOpensPerWindow, c.cfg.Window)
	if err != nil {
		c.logger.WarnContext(ctx, "quota: rate limiter unavailable",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		c.logger.WarnContext(ctx, "quota: open rate exceeded",
			slog.String("user_id", userID),
			slog.Int("max", c.cfg.MaxOpensPerWindow),
			slog.Duration("window", c.cfg.Window),
		)
		return fmt.Errorf("quota: more than %d opens per %s: %w", c.cfg.MaxOpensPerWindow, c.cfg.Window, domain.ErrQuotaExceeded)
	}
	return nil
}
