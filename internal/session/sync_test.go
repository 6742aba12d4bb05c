package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// memBus delivers every publish to every subscriber whose pattern prefix
// matches.
type memBus struct {
	mu        sync.Mutex
	subs      map[string]chan []byte
	published []string
}

func newMemBus() *memBus {
	return &memBus{subs: map[string]chan []byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel)
	for pattern, ch := range b.subs {
		if strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*")) {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = ch
	return ch, nil
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

func (b *memBus) publishedTo(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.published {
		if c == channel {
			n++
		}
	}
	return n
}

func userSnapshot(balance float64, orders ...domain.Order) domain.Snapshot {
	return domain.Snapshot{
		Account: domain.Account{UserID: "u1", Balance: balance, InitialBalance: 1000, Revision: 1},
		Orders:  orders,
	}
}

func pendingOrder(id string, margin float64) domain.Order {
	return domain.Order{
		ID: id, UserID: "u1", Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		Kind: domain.OrderKindLimit, Status: domain.OrderStatusPending,
		EntryPrice: 90, Margin: margin, Leverage: 5, CreatedAt: time.Now().UTC(),
	}
}

func TestSyncAllClearsDegradedOnceRemoteAnswers(t *testing.T) {
	store := &fakeStore{snap: userSnapshot(700, pendingOrder("o1", 300)), degraded: true}
	m := newManager(store, Options{})
	defer m.Close()
	ctx := context.Background()

	s, err := m.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, s.Degraded())

	// Still unreachable: the session keeps its state and its flag.
	m.SyncAll(ctx)
	assert.True(t, s.Degraded())

	store.set(userSnapshot(400, pendingOrder("o1", 300), pendingOrder("o2", 300)), false)
	m.SyncAll(ctx)
	assert.False(t, s.Degraded())
	assert.Equal(t, 400.0, s.Engine.Account().Balance)
	assert.Len(t, s.Engine.Pending(), 2)
	require.NoError(t, s.Engine.CheckConsistency())
}

func TestSyncAllFlushesHealthySessions(t *testing.T) {
	store := &fakeStore{snap: userSnapshot(700, pendingOrder("o1", 300))}
	m := newManager(store, Options{})
	defer m.Close()

	_, err := m.Get(context.Background(), "u1")
	require.NoError(t, err)
	m.SyncAll(context.Background())
	assert.Equal(t, int64(1), store.flushes.Load())
	assert.Equal(t, int64(1), store.loads.Load(), "a healthy session is not reloaded")
}

func TestRunRefreshesOnChangeFromAnotherProcess(t *testing.T) {
	store := &fakeStore{snap: userSnapshot(700, pendingOrder("o1", 300))}
	bus := newMemBus()
	m := NewManager(store, staticFeed{}, nil, bus, nil, nil, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, bus.subscribed, time.Second, 5*time.Millisecond)

	s, err := m.Get(ctx, "u1")
	require.NoError(t, err)

	// Our own writes are announced but do not trigger a reload.
	_, err = s.Engine.CancelPending(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.publishedTo(ChangesChannel("u1")))
	assert.Never(t, func() bool { return store.loads.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// Another process opened an order.
	store.set(userSnapshot(700, pendingOrder("o2", 300)), false)
	payload, err := json.Marshal(change{Origin: "other", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ChangesChannel("u1"), payload))

	require.Eventually(t, func() bool {
		return len(s.Engine.Pending()) == 1 && s.Engine.Pending()[0].ID == "o2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 700.0, s.Engine.Account().Balance)
}

func TestRefreshWaitsForQuietEngine(t *testing.T) {
	store := &fakeStore{snap: userSnapshot(700, pendingOrder("o1", 300))}
	m := newManager(store, Options{})
	defer m.Close()
	ctx := context.Background()

	s, err := m.Get(ctx, "u1")
	require.NoError(t, err)

	// Every reload races a local commit, so none may be applied.
	store.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx, "u1") }()
	for i := 0; i < refreshAttempts; i++ {
		want := int64(2 + i)
		require.Eventually(t, func() bool { return store.loads.Load() == want }, time.Second, time.Millisecond)
		s.Engine.RepairBalance()
		store.gate <- struct{}{}
	}
	err = <-done
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, s.Engine.Pending(), 1)
}
