package notify

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// sweepEvery is how many insertions pass between expiry sweeps.
const sweepEvery = 256

// MemoryDedup is an in-process domain.DedupStore for single-instance
// deployments. It is safe for concurrent use.
type MemoryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key -> expiry
	inserts int
	now     func() time.Time
}

var _ domain.DedupStore = (*MemoryDedup)(nil)

// NewMemoryDedup creates an empty MemoryDedup.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time), now: time.Now}
}

// Seen reports whether key was recorded within its ttl, recording it if not.
func (d *MemoryDedup) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(ttl)

	d.inserts++
	if d.inserts%sweepEvery == 0 {
		d.sweep(now)
	}
	return false, nil
}

// Len returns the number of live and not yet swept keys.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *MemoryDedup) sweep(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}
