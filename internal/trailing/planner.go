package trailing

import (
	"trailstop/internal/core"

	"github.com/shopspring/decimal"
)

// StopPlanner computes trailing stops from a lag buffer of candidates.
// It has no state of its own; callers own the buffer.
type StopPlanner struct {
	BarLag int
}

// Depth is the number of candidates held after the fill phase.
// A lag of zero still queues the current candidate so it is emitted on the same bar.
func (p StopPlanner) Depth() int {
	if p.BarLag < 1 {
		return 1
	}
	return p.BarLag
}

// Next fills buffer up to Depth with candidates derived from bar, then dequeues the
// oldest one as the stop to place. last is the most recently placed stop, if any; it
// bounds the first candidate when the buffer is empty so the stop never loosens.
// The input slice is not modified.
func (p StopPlanner) Next(side core.PositionSide, buffer []decimal.Decimal, last *decimal.Decimal, bar *core.Bar) ([]decimal.Decimal, decimal.Decimal) {
	buf := append(make([]decimal.Decimal, 0, p.Depth()), buffer...)

	for len(buf) < p.Depth() {
		candidate := AdverseExtreme(side, bar)
		switch {
		case len(buf) > 0:
			candidate = Tighter(side, candidate, buf[len(buf)-1])
		case last != nil:
			candidate = Tighter(side, candidate, *last)
		}
		buf = append(buf, candidate)
	}

	stop := buf[0]
	return buf[1:], stop
}

// Seed puts an externally discovered stop price into an empty buffer.
// A non-empty buffer is returned unchanged.
func (p StopPlanner) Seed(buffer []decimal.Decimal, price decimal.Decimal) []decimal.Decimal {
	if len(buffer) > 0 {
		return buffer
	}
	return []decimal.Decimal{price}
}

// AdverseExtreme is the raw protective level of bar: the low for longs, the high for shorts
func AdverseExtreme(side core.PositionSide, bar *core.Bar) decimal.Decimal {
	if side == core.Short {
		return bar.High
	}
	return bar.Low
}

// Tighter returns the stop closer to the market: the higher for longs, the lower for shorts
func Tighter(side core.PositionSide, a, b decimal.Decimal) decimal.Decimal {
	if side == core.Short {
		return decimal.Min(a, b)
	}
	return decimal.Max(a, b)
}

// Breached reports whether stop would trigger immediately against close
func Breached(side core.PositionSide, stop, close decimal.Decimal) bool {
	if side == core.Short {
		return stop.LessThanOrEqual(close)
	}
	return stop.GreaterThanOrEqual(close)
}

// SelectAdoptable picks the stop order that protects a position of side: a STOP order on
// the exit side. With several candidates the tightest wins. skip filters orders already owned.
func SelectAdoptable(side core.PositionSide, orders []*core.Order, skip func(orderID string) bool) *core.Order {
	var best *core.Order
	for _, o := range orders {
		if o == nil || o.Type != core.OrderTypeStop || o.Side != side.ExitSide() {
			continue
		}
		if !o.TriggerPrice.IsPositive() {
			continue
		}
		if skip != nil && skip(o.ID) {
			continue
		}
		if best == nil || !Tighter(side, o.TriggerPrice, best.TriggerPrice).Equal(best.TriggerPrice) {
			best = o
		}
	}
	return best
}
