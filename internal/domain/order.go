package domain

import "time"

// Direction is the side of a leveraged position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// OrderKind classifies how the order was requested. The engine does not branch
// on it for fill direction; see engine.ShouldFill.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "MARKET"
	OrderKindLimit      OrderKind = "LIMIT"
	OrderKindStopLimit  OrderKind = "STOP_LIMIT"
	OrderKindStopMarket OrderKind = "STOP_MARKET"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStopLimit, OrderKindStopMarket:
		return true
	}
	return false
}

// OrderStatus tracks the order lifecycle. PENDING and OPEN are working states;
// CLOSED and CANCELLED are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCancelled
}

// Rank orders statuses along the lifecycle so that a later state compares
// greater than an earlier one.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusOpen:
		return 2
	case OrderStatusClosed, OrderStatusCancelled:
		return 3
	}
	return 0
}

// ExitReason records why a record left the working set.
type ExitReason string

const (
	ExitReasonManual      ExitReason = "MANUAL"
	ExitReasonStopLoss    ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitReasonLiquidation ExitReason = "LIQUIDATION"
	ExitReasonCancelled   ExitReason = "CANCELLED"
)

// TradeResult is the outcome of a terminal record.
type TradeResult string

const (
	TradeResultWin       TradeResult = "WIN"
	TradeResultLoss      TradeResult = "LOSS"
	TradeResultCancelled TradeResult = "CANCELLED"
)

// Trade modes understood by the default edit policy. Other values are stored
// and returned untouched.
const (
	TradeModeSimple   = "SIMPLE"
	TradeModeAdvanced = "ADVANCED"
)

// Order is a simulated leveraged order. A pending order and an open position
// are the same record in different states.
type Order struct {
	ID     string
	UserID string

	Symbol    string
	Direction Direction
	Kind      OrderKind
	TradeMode string

	EntryPrice    float64
	CreationPrice float64 // market price when created; 0 when unknown
	FillPrice     float64
	LimitPrice    *float64 // STOP_LIMIT only
	MarkPrice     float64
	StopLoss      *float64
	TakeProfit    *float64

	Margin        float64
	Leverage      int
	PositionValue float64
	Quantity      float64

	Status      OrderStatus
	CreatedAt   time.Time
	TriggeredAt *time.Time
	FilledAt    *time.Time
	ClosedAt    *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time

	ExitPrice          *float64
	ExitReason         ExitReason
	RealizedPnL        float64
	RealizedPnLPercent float64
	Result             TradeResult

	UnrealizedPnL        float64
	UnrealizedPnLPercent float64
}

// Clone returns a deep copy so callers never share pointer fields with the
// engine's working set.
func (o Order) Clone() Order {
	out := o
	out.LimitPrice = cloneFloat(o.LimitPrice)
	out.StopLoss = cloneFloat(o.StopLoss)
	out.TakeProfit = cloneFloat(o.TakeProfit)
	out.ExitPrice = cloneFloat(o.ExitPrice)
	out.TriggeredAt = cloneTime(o.TriggeredAt)
	out.FilledAt = cloneTime(o.FilledAt)
	out.ClosedAt = cloneTime(o.ClosedAt)
	out.CancelledAt = cloneTime(o.CancelledAt)
	return out
}

// HasStopLoss reports whether a usable stop-loss is set. Zero is treated as
// unset.
func (o Order) HasStopLoss() bool {
	return o.StopLoss != nil && *o.StopLoss > 0
}

// HasTakeProfit reports whether a usable take-profit is set. Zero is treated
// as unset.
func (o Order) HasTakeProfit() bool {
	return o.TakeProfit != nil && *o.TakeProfit > 0
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
