// Package codec holds the canonical JSON shape of accounts and orders. It is
// the one place where domain field names map to wire and file names; backups,
// archives, the HTTP API and the event stream all encode through it.
package codec

import (
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Snapshot is the shape of a backup file.
type Snapshot struct {
	Version int     `json:"version"`
	Account Account `json:"account"`
	Orders  []Order `json:"orders"`
}

// Account is the JSON form of domain.Account.
type Account struct {
	UserID         string    `json:"user_id"`
	Balance        float64   `json:"balance"`
	InitialBalance float64   `json:"initial_balance"`
	Revision       int64     `json:"revision"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Order is the JSON form of domain.Order.
type Order struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	Symbol               string     `json:"symbol"`
	Direction            string     `json:"direction"`
	Kind                 string     `json:"kind"`
	TradeMode            string     `json:"trade_mode"`
	EntryPrice           float64    `json:"entry_price"`
	CreationPrice        float64    `json:"creation_price"`
	FillPrice            float64    `json:"fill_price"`
	LimitPrice           *float64   `json:"limit_price,omitempty"`
	MarkPrice            float64    `json:"mark_price"`
	StopLoss             *float64   `json:"stop_loss,omitempty"`
	TakeProfit           *float64   `json:"take_profit,omitempty"`
	Margin               float64    `json:"margin"`
	Leverage             int        `json:"leverage"`
	PositionValue        float64    `json:"position_value"`
	Quantity             float64    `json:"quantity"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	TriggeredAt          *time.Time `json:"triggered_at,omitempty"`
	FilledAt             *time.Time `json:"filled_at,omitempty"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
	ExitPrice            *float64   `json:"exit_price,omitempty"`
	ExitReason           string     `json:"exit_reason,omitempty"`
	RealizedPnL          float64    `json:"realized_pnl"`
	RealizedPnLPercent   float64    `json:"realized_pnl_percent"`
	Result               string     `json:"result,omitempty"`
	UnrealizedPnL        float64    `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64    `json:"unrealized_pnl_percent"`
}

// SnapshotVersion is written into every encoded Snapshot.
const SnapshotVersion = 1

// FromAccount encodes an account.
func FromAccount(a domain.Account) Account {
	return Account{
		UserID:         a.UserID,
		Balance:        a.Balance,
		InitialBalance: a.InitialBalance,
		Revision:       a.Revision,
		UpdatedAt:      a.UpdatedAt,
	}
}

// ToAccount decodes an account.
func (a Account) ToAccount() domain.Account {
	return domain.Account{
		UserID:         a.UserID,
		Balance:        a.Balance,
		InitialBalance: a.InitialBalance,
		Revision:       a.Revision,
		UpdatedAt:      a.UpdatedAt,
	}
}

// FromOrder encodes an order. Pointer fields are copied.
func FromOrder(o domain.Order) Order {
	o = o.Clone()
	return Order{
		ID:                   o.ID,
		UserID:               o.UserID,
		Symbol:               o.Symbol,
		Direction:            string(o.Direction),
		Kind:                 string(o.Kind),
		TradeMode:            o.TradeMode,
		EntryPrice:           o.EntryPrice,
		CreationPrice:        o.CreationPrice,
		FillPrice:            o.FillPrice,
		LimitPrice:           o.LimitPrice,
		MarkPrice:            o.MarkPrice,
		StopLoss:             o.StopLoss,
		TakeProfit:           o.TakeProfit,
		Margin:               o.Margin,
		Leverage:             o.Leverage,
		PositionValue:        o.PositionValue,
		Quantity:             o.Quantity,
		Status:               string(o.Status),
		CreatedAt:            o.CreatedAt,
		TriggeredAt:          o.TriggeredAt,
		FilledAt:             o.FilledAt,
		ClosedAt:             o.ClosedAt,
		CancelledAt:          o.CancelledAt,
		UpdatedAt:            o.UpdatedAt,
		ExitPrice:            o.ExitPrice,
		ExitReason:           string(o.ExitReason),
		RealizedPnL:          o.RealizedPnL,
		RealizedPnLPercent:   o.RealizedPnLPercent,
		Result:               string(o.Result),
		UnrealizedPnL:        o.UnrealizedPnL,
		UnrealizedPnLPercent: o.UnrealizedPnLPercent,
	}
}

// FromOrders encodes a slice, never returning nil.
func FromOrders(orders []domain.Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

// ToOrder decodes an order.
func (o Order) ToOrder() domain.Order {
	return domain.Order{
		ID:                   o.ID,
		UserID:               o.UserID,
		Symbol:               o.Symbol,
		Direction:            domain.Direction(o.Direction),
		Kind:                 domain.OrderKind(o.Kind),
		TradeMode:            o.TradeMode,
		EntryPrice:           o.EntryPrice,
		CreationPrice:        o.CreationPrice,
		FillPrice:            o.FillPrice,
		LimitPrice:           o.LimitPrice,
		MarkPrice:            o.MarkPrice,
		StopLoss:             o.StopLoss,
		TakeProfit:           o.TakeProfit,
		Margin:               o.Margin,
		Leverage:             o.Leverage,
		PositionValue:        o.PositionValue,
		Quantity:             o.Quantity,
		Status:               domain.OrderStatus(o.Status),
		CreatedAt:            o.CreatedAt,
		TriggeredAt:          o.TriggeredAt,
		FilledAt:             o.FilledAt,
		ClosedAt:             o.ClosedAt,
		CancelledAt:          o.CancelledAt,
		UpdatedAt:            o.UpdatedAt,
		ExitPrice:            o.ExitPrice,
		ExitReason:           domain.ExitReason(o.ExitReason),
		RealizedPnL:          o.RealizedPnL,
		RealizedPnLPercent:   o.RealizedPnLPercent,
		Result:               domain.TradeResult(o.Result),
		UnrealizedPnL:        o.UnrealizedPnL,
		UnrealizedPnLPercent: o.UnrealizedPnLPercent,
	}.Clone()
}

// FromSnapshot encodes a full snapshot.
func FromSnapshot(s domain.Snapshot) Snapshot {
	return Snapshot{
		Version: SnapshotVersion,
		Account: FromAccount(s.Account),
		Orders:  FromOrders(s.Orders),
	}
}

// ToSnapshot decodes a snapshot.
func (s Snapshot) ToSnapshot() domain.Snapshot {
	out := domain.Snapshot{
		Account: s.Account.ToAccount(),
		Orders:  make([]domain.Order, 0, len(s.Orders)),
	}
	for _, o := range s.Orders {
		out.Orders = append(out.Orders, o.ToOrder())
	}
	return out
}

// Equity is the JSON form of domain.Equity.
type Equity struct {
	Balance       float64 `json:"balance"`
	UsedMargin    float64 `json:"used_margin"`
	PendingMargin float64 `json:"pending_margin"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
}

// FromEquity converts a domain.Equity.
func FromEquity(e domain.Equity) Equity {
	return Equity{
		Balance:       e.Balance,
		UsedMargin:    e.UsedMargin,
		PendingMargin: e.PendingMargin,
		UnrealizedPnL: e.UnrealizedPnL,
		Equity:        e.Equity,
	}
}
