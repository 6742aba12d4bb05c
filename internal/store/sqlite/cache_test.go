package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache", "paper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleOrder(id string, status domain.OrderStatus) domain.Order {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := domain.Order{
		ID:            id,
		UserID:        "u1",
		Symbol:        "BTCUSDT",
		Direction:     domain.DirectionLong,
		Kind:          domain.OrderKindLimit,
		TradeMode:     domain.TradeModeSimple,
		EntryPrice:    50000,
		CreationPrice: 50500,
		MarkPrice:     50500,
		StopLoss:      domain.Float(48000),
		Margin:        1000,
		Leverage:      10,
		PositionValue: 10000,
		Quantity:      0.2,
		Status:        status,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if status == domain.OrderStatusClosed {
		filled := created.Add(time.Minute)
		closed := created.Add(time.Hour)
		o.FillPrice = 50000
		o.FilledAt = &filled
		o.ClosedAt = &closed
		o.ExitPrice = domain.Float(53000)
		o.ExitReason = domain.ExitReasonTakeProfit
		o.RealizedPnL = 600
		o.Result = domain.TradeResultWin
	}
	return o
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	acct := domain.Account{UserID: "u1", Balance: 9000, InitialBalance: 10000, UpdatedAt: time.Now()}
	require.NoError(t, c.SaveAccount(ctx, acct, true))
	require.NoError(t, c.SaveOrder(ctx, sampleOrder("a", domain.OrderStatusPending), true))
	require.NoError(t, c.SaveOrder(ctx, sampleOrder("b", domain.OrderStatusClosed), false))
	require.NoError(t, c.SaveOrder(ctx, domain.Order{ID: "other", UserID: "u2", Status: domain.OrderStatusPending}, true))

	snap, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9000.0, snap.Account.Balance)
	assert.True(t, snap.AccountDirty)
	require.Len(t, snap.Orders, 2)
	assert.Equal(t, map[string]bool{"a": true}, snap.Dirty)

	byID := map[string]domain.Order{}
	for _, o := range snap.Orders {
		byID[o.ID] = o
	}
	pending := byID["a"]
	require.NotNil(t, pending.StopLoss)
	assert.Equal(t, 48000.0, *pending.StopLoss)
	assert.Nil(t, pending.TakeProfit)
	assert.Nil(t, pending.FilledAt)

	closed := byID["b"]
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.ClosedAt.Equal(sampleOrder("b", domain.OrderStatusClosed).ClosedAt.UTC()))
	assert.Equal(t, domain.ExitReasonTakeProfit, closed.ExitReason)
	assert.Equal(t, domain.TradeResultWin, closed.Result)
	assert.Equal(t, 10, closed.Leverage)
}

func TestCacheDirtyFlags(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	require.NoError(t, c.SaveAccount(ctx, domain.Account{UserID: "u1", Balance: 1}, true))
	require.NoError(t, c.SaveOrder(ctx, sampleOrder("a", domain.OrderStatusPending), true))
	require.NoError(t, c.SaveOrder(ctx, sampleOrder("b", domain.OrderStatusPending), true))

	require.NoError(t, c.MarkClean(ctx, "u1", "a"))
	require.NoError(t, c.MarkAccountClean(ctx, "u1", 0))

	snap, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, snap.AccountDirty)
	assert.Equal(t, map[string]bool{"b": true}, snap.Dirty)
}

func TestCacheAccountRevisionGuard(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	require.NoError(t, c.SaveAccount(ctx, domain.Account{UserID: "u1", Balance: 10500, InitialBalance: 10000, Revision: 3}, true))
	require.NoError(t, c.SaveAccount(ctx, domain.Account{UserID: "u1", Balance: 11000, InitialBalance: 10000, Revision: 2}, true))

	snap, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10500.0, snap.Account.Balance)
	assert.Equal(t, int64(3), snap.Account.Revision)

	// A confirmation for an older revision leaves the newer one dirty.
	require.NoError(t, c.MarkAccountClean(ctx, "u1", 2))
	snap, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.AccountDirty)

	require.NoError(t, c.MarkAccountClean(ctx, "u1", 3))
	snap, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, snap.AccountDirty)

	// Replace is authoritative and may move the revision backwards.
	require.NoError(t, c.Replace(ctx, domain.Snapshot{Account: domain.Account{UserID: "u1", Balance: 9000, InitialBalance: 10000, Revision: 1}}))
	snap, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9000.0, snap.Account.Balance)
	assert.Equal(t, int64(1), snap.Account.Revision)
}

func TestCacheReplaceAndDelete(t *testing.T) {
	ctx := context.Background()
	c := openTemp(t)

	require.NoError(t, c.SaveOrder(ctx, sampleOrder("stale", domain.OrderStatusPending), true))
	require.NoError(t, c.Replace(ctx, domain.Snapshot{
		Account: domain.Account{UserID: "u1", Balance: 8000, InitialBalance: 10000},
		Orders:  []domain.Order{sampleOrder("x", domain.OrderStatusPending), sampleOrder("y", domain.OrderStatusClosed)},
	}))

	snap, err := c.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.Orders, 2)
	assert.Empty(t, snap.Dirty)
	assert.Equal(t, 8000.0, snap.Account.Balance)

	require.NoError(t, c.Delete(ctx, "u1", "x"))
	snap, err = c.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "y", snap.Orders[0].ID)
}

func TestCacheUnknownUser(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	snap, err := c.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, snap.Orders)
	assert.Equal(t, "", snap.Account.UserID)

	assert.ErrorIs(t, c.Replace(context.Background(), domain.Snapshot{}), domain.ErrInvalidInput)
}
