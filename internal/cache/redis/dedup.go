package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// DedupStore implements domain.DedupStore with SET NX, so every process
// sharing the Redis instance sees the same window.
type DedupStore struct {
	c *Client
}

// NewDedupStore creates a DedupStore backed by the given Client.
func NewDedupStore(c *Client) *DedupStore {
	return &DedupStore{c: c}
}

// Seen records key for ttl and reports whether it was already present.
func (d *DedupStore) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := d.c.rdb.SetNX(ctx, d.c.key("dedup:", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return !fresh, nil
}

var _ domain.DedupStore = (*DedupStore)(nil)
