// Package calc holds the pure formulas used for leveraged position
// accounting. Callers validate inputs for positivity and finiteness.
package calc

import "github.com/alanyoungcy/papertrader/internal/domain"

// Fee rates applied to position value.
const (
	MakerFeeRate = 0.0002
	TakerFeeRate = 0.0005
)

// maintenanceTier is one rung of the maintenance-margin ladder.
type maintenanceTier struct {
	maxValue float64 // inclusive upper bound of position value
	rate     float64
}

// maintenanceLadder is ordered by maxValue. Values above the last bound use
// ceilingRate.
var maintenanceLadder = []maintenanceTier{
	{maxValue: 50_000, rate: 0.004},
	{maxValue: 250_000, rate: 0.005},
	{maxValue: 1_000_000, rate: 0.01},
	{maxValue: 10_000_000, rate: 0.025},
	{maxValue: 20_000_000, rate: 0.05},
	{maxValue: 50_000_000, rate: 0.10},
}

const ceilingRate = 0.125

// PositionValue returns quantity × price.
func PositionValue(quantity, price float64) float64 {
	return quantity * price
}

// InitialMargin returns positionValue / leverage.
func InitialMargin(positionValue float64, leverage int) float64 {
	return positionValue / float64(leverage)
}

// MaintenanceRate returns the maintenance-margin rate for the bracket that
// contains positionValue.
func MaintenanceRate(positionValue float64) float64 {
	for _, t := range maintenanceLadder {
		if positionValue <= t.maxValue {
			return t.rate
		}
	}
	return ceilingRate
}

// MaintenanceMargin returns positionValue × MaintenanceRate(positionValue).
func MaintenanceMargin(positionValue float64) float64 {
	return positionValue * MaintenanceRate(positionValue)
}

// LiquidationPrice returns the price at which maintenance margin is breached.
//
//	LONG:  entry × (1 − 1/leverage + mmr), floored at 0
//	SHORT: entry × (1 + 1/leverage − mmr)
func LiquidationPrice(dir domain.Direction, entry float64, leverage int, mmr float64) float64 {
	inv := 1 / float64(leverage)
	if dir == domain.DirectionShort {
		return entry * (1 + inv - mmr)
	}
	p := entry * (1 - inv + mmr)
	if p < 0 {
		return 0
	}
	return p
}

// PnL returns the profit of moving from entry to price with the given
// quantity. Shorts profit when price falls.
func PnL(dir domain.Direction, entry, price, quantity float64) float64 {
	pnl := (price - entry) * quantity
	if dir == domain.DirectionShort {
		return -pnl
	}
	return pnl
}

// ROE returns pnl as a percentage of the initial margin.
func ROE(pnl, initialMargin float64) float64 {
	if initialMargin == 0 {
		return 0
	}
	return pnl / initialMargin * 100
}

// RiskReward describes the two legs of a bracketed trade relative to entry.
type RiskReward struct {
	Risk   float64
	Reward float64
	Ratio  float64 // reward per unit of risk
}

// ComputeRiskReward returns |reward| / |risk| measured from entry. ok is false
// when the risk leg is not positive (stop on the wrong side or at entry), in
// which case the ratio is undefined.
func ComputeRiskReward(dir domain.Direction, entry, takeProfit, stopLoss float64) (RiskReward, bool) {
	risk := entry - stopLoss
	reward := takeProfit - entry
	if dir == domain.DirectionShort {
		risk = stopLoss - entry
		reward = entry - takeProfit
	}
	rr := RiskReward{Risk: risk, Reward: reward}
	if risk <= 0 {
		return rr, false
	}
	if reward < 0 {
		reward = -reward
	}
	rr.Ratio = reward / risk
	return rr, true
}

// TradingFee returns positionValue × fee rate.
func TradingFee(positionValue float64, isMaker bool) float64 {
	if isMaker {
		return positionValue * MakerFeeRate
	}
	return positionValue * TakerFeeRate
}
