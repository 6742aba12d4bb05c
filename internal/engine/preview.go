package engine

import (
	"github.com/alanyoungcy/papertrader/internal/calc"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Quote is the projected outcome of opening an order, without committing it.
type Quote struct {
	EntryPrice        float64
	PositionValue     float64
	Quantity          float64
	Margin            float64
	Leverage          int
	MaintenanceRate   float64
	MaintenanceMargin float64
	LiquidationPrice  float64
	TakerFee          float64
	MakerFee          float64
	// OpensImmediately is false when the order would wait in PENDING.
	OpensImmediately bool
	// Affordable reports whether the margin fits the current balance.
	Affordable bool
	RiskReward *calc.RiskReward
}

// Preview validates spec the same way Open does and returns the quote.
func (e *Engine) Preview(spec OrderSpec) (Quote, error) {
	spec, err := e.normaliseSpec(spec)
	if err != nil {
		return Quote{}, err
	}
	size, err := e.size(spec)
	if err != nil {
		return Quote{}, err
	}
	if err := validateRelation(spec.Direction, size.entry, spec.StopLoss, spec.TakeProfit); err != nil {
		return Quote{}, err
	}

	mmr := calc.MaintenanceRate(size.positionValue)
	q := Quote{
		EntryPrice:        size.entry,
		PositionValue:     size.positionValue,
		Quantity:          size.quantity,
		Margin:            spec.Margin,
		Leverage:          spec.Leverage,
		MaintenanceRate:   mmr,
		MaintenanceMargin: size.positionValue * mmr,
		LiquidationPrice:  calc.LiquidationPrice(spec.Direction, size.entry, spec.Leverage, mmr),
		TakerFee:          calc.TradingFee(size.positionValue, false),
		MakerFee:          calc.TradingFee(size.positionValue, true),
		OpensImmediately: spec.Kind == domain.OrderKindMarket ||
			(spec.Kind != domain.OrderKindStopLimit && e.withinTolerance(size.entry, spec.MarketPrice)),
	}

	e.mu.Lock()
	q.Affordable = spec.Margin <= e.acct.Balance
	e.mu.Unlock()

	if spec.StopLoss != nil && spec.TakeProfit != nil {
		if rr, ok := calc.ComputeRiskReward(spec.Direction, size.entry, *spec.TakeProfit, *spec.StopLoss); ok {
			q.RiskReward = &rr
		}
	}
	return q, nil
}
