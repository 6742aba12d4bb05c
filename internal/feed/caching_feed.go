package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Source is an upstream price source.
type Source interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// CachingFeed implements domain.PriceFeed over a shared price cache. Fresh
// cached prices are served directly; the rest are fetched from the upstream
// source and written back so other processes reuse them.
type CachingFeed struct {
	cache    domain.PriceCache
	upstream Source
	maxAge   time.Duration
	logger   *slog.Logger
}

var _ domain.PriceFeed = (*CachingFeed)(nil)

// NewCachingFeed creates a CachingFeed. maxAge bounds how old a cached price
// may be; zero accepts any cached price.
func NewCachingFeed(cache domain.PriceCache, upstream Source, maxAge time.Duration, logger *slog.Logger) *CachingFeed {
	return &CachingFeed{
		cache:    cache,
		upstream: upstream,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "caching_feed")),
	}
}

// GetPrices returns whatever prices it can. An upstream failure is only an
// error when nothing at all was found in the cache.
func (f *CachingFeed) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices, err := f.cache.GetPrices(ctx, symbols, f.maxAge)
	if err != nil {
		f.logger.Warn("feed: price cache read failed", slog.String("error", err.Error()))
		prices = map[string]float64{}
	}

	var missing []string
	for _, s := range symbols {
		if _, ok := prices[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 || f.upstream == nil {
		return prices, nil
	}

	fetched, err := f.upstream.GetPrices(ctx, missing)
	if err != nil {
		if len(prices) == 0 {
			return nil, err
		}
		f.logger.Warn("feed: upstream fetch failed, serving cached subset",
			slog.Int("cached", len(prices)),
			slog.Int("missing", len(missing)),
			slog.String("error", err.Error()),
		)
		return prices, nil
	}

	now := time.Now()
	for s, p := range fetched {
		prices[s] = p
		if err := f.cache.SetPrice(ctx, s, p, now); err != nil {
			f.logger.Debug("feed: price cache write failed", slog.String("symbol", s), slog.String("error", err.Error()))
		}
	}
	return prices, nil
}
