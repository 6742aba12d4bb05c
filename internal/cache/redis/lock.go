package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

const lockNamespace = "lock:"

// releaseScript deletes a lock only while it still carries the holder's
// token, so a holder whose lease expired cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager implements domain.LockManager. Monitoring processes use it so
// that only one of them evaluates a given user at a time.
type LockManager struct {
	c              *Client
	releaseTimeout time.Duration
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager on c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, releaseTimeout: 5 * time.Second}
}

// Acquire takes the lock named key for at most ttl. It fails with
// domain.ErrLockHeld while someone else holds it. The returned release func
// may be called any number of times.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l := lease{key: lm.c.key(lockNamespace, key), token: uuid.NewString()}

	acquired, err := lm.c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if !acquired {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() { lm.release(l) })
	}, nil
}

type lease struct {
	key   string
	token string
}

// release runs detached from the acquiring context, which is often already
// cancelled by the time the holder lets go.
func (lm *LockManager) release(l lease) {
	ctx, cancel := context.WithTimeout(context.Background(), lm.releaseTimeout)
	defer cancel()
	_ = releaseScript.Run(ctx, lm.c.rdb, []string{l.key}, l.token).Err()
}
