package tradingutils

import (
	"github.com/shopspring/decimal"

	"trailstop/internal/core"
)

// FloorToStep rounds qty down to a multiple of step. A non-positive step leaves qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// CeilToStep rounds v up to a multiple of step
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// StopToTick snaps a stop trigger to the tick grid away from the market:
// sell stops (protecting longs) round down, buy stops round up.
func StopToTick(price, tick decimal.Decimal, side core.OrderSide) decimal.Decimal {
	if side == core.Buy {
		return CeilToStep(price, tick)
	}
	return FloorToStep(price, tick)
}

// StopToPlaces is StopToTick for venues quoting in decimal places
func StopToPlaces(price decimal.Decimal, places int32, side core.OrderSide) decimal.Decimal {
	if side == core.Buy {
		return price.RoundCeil(places)
	}
	return price.RoundFloor(places)
}
