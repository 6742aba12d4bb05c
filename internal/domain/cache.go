package domain

import (
	"context"
	"time"
)

// PriceCache holds the last traded price per symbol, shared by every
// process so that the feed is polled once per symbol rather than per user.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	// GetPrices omits symbols with no price, or whose price is older than
	// maxAge when maxAge is positive.
	GetPrices(ctx context.Context, symbols []string, maxAge time.Duration) (map[string]float64, error)
}

// LockManager serialises monitoring of a user across processes.
type LockManager interface {
	// Acquire returns ErrLockHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// DedupStore remembers keys for a time-to-live window. Seen returns true when
// the key was already recorded inside the window, and records it otherwise.
type DedupStore interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RateLimiter counts events per key in a fixed window. It backs the order
// quota and the HTTP request budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is a single entry read back from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans out order events and price ticks. Each channel may also
// keep a bounded stream that clients replay from a stream id after
// reconnecting.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, afterID string, count int) ([]StreamMessage, error)
}
