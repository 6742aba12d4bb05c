package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// PricesChannel is the bus channel external publishers push ticks to.
const PricesChannel = "prices"

// priceTick is the JSON shape published to PricesChannel.
type priceTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// BusFeeder subscribes to PricesChannel and writes each tick into the price
// cache, so a pushed price reaches every CachingFeed without a REST call.
type BusFeeder struct {
	bus    domain.SignalBus
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewBusFeeder creates a BusFeeder.
func NewBusFeeder(bus domain.SignalBus, cache domain.PriceCache, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:    bus,
		cache:  cache,
		logger: logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run consumes ticks until ctx is cancelled or the subscription closes.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, PricesChannel)
	if err != nil {
		return err
	}
	f.logger.Info("feed: bus feeder started")
	defer f.logger.Info("feed: bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handle(ctx, data); err != nil {
				f.logger.Debug("feed: bad tick",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handle(ctx context.Context, data []byte) error {
	var t priceTick
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if symbol == "" || t.Price <= 0 {
		return nil
	}
	ts := time.Now()
	if t.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t.Timestamp); err == nil {
			ts = parsed
		}
	}
	return f.cache.SetPrice(ctx, symbol, t.Price, ts)
}
