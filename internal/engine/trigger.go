package engine

import (
	"time"

	"github.com/alanyoungcy/papertrader/internal/calc"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// ShouldFill reports whether a pending order's entry condition is met at
// price.
//
// The fill direction comes from where the entry sits relative to the market
// price recorded at creation: an entry below it fills once price falls to the
// entry, an entry above it fills once price rises to the entry. This covers
// limit and stop orders of both directions. Without a creation price a LONG
// fills at or below entry and a SHORT at or above.
func ShouldFill(o domain.Order, price float64) bool {
	entry := o.EntryPrice
	switch {
	case o.CreationPrice > 0 && entry < o.CreationPrice:
		return price <= entry
	case o.CreationPrice > 0 && entry > o.CreationPrice:
		return price >= entry
	case o.Direction == domain.DirectionShort:
		return price >= entry
	default:
		return price <= entry
	}
}

// LimitReached reports whether the limit leg of a triggered stop-limit order
// can fill at price.
func LimitReached(o domain.Order, price float64) bool {
	if o.LimitPrice == nil {
		return true
	}
	if o.Direction == domain.DirectionShort {
		return price >= *o.LimitPrice
	}
	return price <= *o.LimitPrice
}

// ExitDecision is the outcome of EvaluateExit.
type ExitDecision struct {
	Close  bool
	Reason domain.ExitReason
	// Price is the trigger level the position closes at, not the tick price.
	Price float64
}

// EvaluateExit decides whether an open position closes at price. Checks run
// in a fixed order: grace period, stop-loss, take-profit, liquidation.
func EvaluateExit(o domain.Order, price float64, now time.Time, grace time.Duration) ExitDecision {
	opened := o.CreatedAt
	if o.FilledAt != nil {
		opened = *o.FilledAt
	}
	if now.Sub(opened) < grace {
		return ExitDecision{}
	}

	long := o.Direction == domain.DirectionLong

	if o.HasStopLoss() {
		sl := *o.StopLoss
		if (long && price <= sl) || (!long && price >= sl) {
			return ExitDecision{Close: true, Reason: domain.ExitReasonStopLoss, Price: sl}
		}
	}
	if o.HasTakeProfit() {
		tp := *o.TakeProfit
		if (long && price >= tp) || (!long && price <= tp) {
			return ExitDecision{Close: true, Reason: domain.ExitReasonTakeProfit, Price: tp}
		}
	}

	liq := LiquidationPrice(o)
	if liq > 0 && ((long && price <= liq) || (!long && price >= liq)) {
		return ExitDecision{Close: true, Reason: domain.ExitReasonLiquidation, Price: liq}
	}
	return ExitDecision{}
}

// LiquidationPrice computes the liquidation level of o from its current
// entry, leverage and position value.
func LiquidationPrice(o domain.Order) float64 {
	if o.Leverage < 1 {
		return 0
	}
	mmr := calc.MaintenanceRate(o.PositionValue)
	return calc.LiquidationPrice(o.Direction, o.EntryPrice, o.Leverage, mmr)
}

// markToMarket refreshes the display fields of o at price.
func markToMarket(o *domain.Order, price float64) {
	o.MarkPrice = price
	o.UnrealizedPnL = calc.PnL(o.Direction, o.EntryPrice, price, o.Quantity)
	o.UnrealizedPnLPercent = calc.ROE(o.UnrealizedPnL, o.Margin)
}
