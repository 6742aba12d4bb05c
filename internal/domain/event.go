package domain

import "context"

// EventKind names a notification-worthy transition.
type EventKind string

const (
	EventOrderFilled    EventKind = "ORDER_FILLED"
	EventTakeProfitHit  EventKind = "TP_HIT"
	EventStopLossHit    EventKind = "SL_HIT"
	EventLiquidation    EventKind = "LIQUIDATION"
	EventPositionClosed EventKind = "POSITION_CLOSED"
	EventOrderCancelled EventKind = "ORDER_CANCELLED"
)

// EventKindForExit maps an exit reason to the event it produces.
func EventKindForExit(r ExitReason) EventKind {
	switch r {
	case ExitReasonStopLoss:
		return EventStopLossHit
	case ExitReasonTakeProfit:
		return EventTakeProfitHit
	case ExitReasonLiquidation:
		return EventLiquidation
	case ExitReasonCancelled:
		return EventOrderCancelled
	default:
		return EventPositionClosed
	}
}

// Event is a transition produced by the engine, carrying the record as it
// was committed.
type Event struct {
	Kind  EventKind
	Order Order
}

// Dispatcher delivers engine events to the outside world. Delivery is
// fire-and-forget; implementations deduplicate per (record id, kind).
type Dispatcher interface {
	Notify(ctx context.Context, kind EventKind, o Order)
}

// PriceFeed returns the latest price per symbol. Symbols with no price are
// omitted from the result.
type PriceFeed interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// QuotaChecker is consulted when a user opens a new simulated order.
type QuotaChecker interface {
	AllowOpen(ctx context.Context, userID string, working int) error
}
