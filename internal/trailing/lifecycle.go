package trailing

import (
	"context"
	"errors"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"

	"github.com/shopspring/decimal"
)

// HandlePositionEvent applies one position feed notification.
// It never runs concurrently with a bar cycle.
func (e *Engine) HandlePositionEvent(ctx context.Context, ev *core.PositionEvent) {
	if ev == nil || ev.Position == nil {
		return
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	switch ev.Type {
	case core.PositionOpened:
		e.onPositionOpened(ctx, ev.Position)
	case core.PositionUpdated:
		e.onPositionUpdated(ctx, ev.Position)
	case core.PositionClosed:
		e.onPositionClosed(ctx, ev.Position)
	default:
		e.logger.Warn("Unknown position event", "type", ev.Type, "position_id", ev.Position.ID)
	}
	e.metrics.SetWatchedPositions(e.cfg.Symbol, int64(e.registry.Len()))
}

func (e *Engine) onPositionOpened(ctx context.Context, pos *core.Position) {
	if pos.Symbol != e.cfg.Symbol {
		e.logger.Debug("Ignoring position on other symbol", "position_id", pos.ID, "position_symbol", pos.Symbol)
		return
	}
	if !pos.Side.Valid() || !pos.Quantity.Abs().IsPositive() {
		e.logger.Warn("Ignoring position without side or size",
			"position_id", pos.ID, "side", pos.Side, "quantity", pos.Quantity.String())
		return
	}
	if _, exists := e.registry.Get(pos.ID); exists {
		e.logger.Debug("Duplicate open notification", "position_id", pos.ID)
		return
	}

	wp := NewWatchedPosition(pos, e.cfg.Account)
	e.adoptExistingStop(ctx, wp)

	if !e.registry.Add(wp) {
		return
	}
	e.record(ctx, wp, core.EventWatchStarted, pos.EntryPrice, "", "")
}

// adoptExistingStop looks for a stop already protecting the position at the gateway
// and takes it over. Without one the position starts fresh.
func (e *Engine) adoptExistingStop(ctx context.Context, wp *WatchedPosition) {
	orders, err := e.deps.Gateway.ListOpenOrders(ctx, wp.Symbol)
	if err != nil {
		e.logger.Warn("Failed to list open orders, starting without existing stop",
			"position_id", wp.ID, "error", err)
		return
	}

	existing := SelectAdoptable(wp.Side, orders, e.registry.OwnsOrder)
	if existing == nil {
		return
	}

	wp.Adopt(e.planner, existing.ID, existing.TriggerPrice)
	price, _ := existing.TriggerPrice.Float64()
	e.metrics.SetActiveStop(wp.ID, wp.Symbol, price)
	e.logger.Info("Adopted existing stop",
		"position_id", wp.ID,
		"order_id", existing.ID,
		"stop", existing.TriggerPrice.String())
	e.record(ctx, wp, core.EventStopAdopted, existing.TriggerPrice, existing.ID, "")
}

func (e *Engine) onPositionUpdated(ctx context.Context, pos *core.Position) {
	wp, ok := e.registry.Get(pos.ID)
	if !ok {
		e.onPositionOpened(ctx, pos)
		return
	}
	if pos.Side.Valid() && pos.Side != wp.Side {
		e.logger.Warn("Position reversed, restarting watch", "position_id", pos.ID, "from", wp.Side, "to", pos.Side)
		e.onPositionClosed(ctx, pos)
		e.onPositionOpened(ctx, pos)
		return
	}
	if !pos.Quantity.Abs().IsPositive() {
		e.onPositionClosed(ctx, pos)
		return
	}

	if !wp.Quantity().Equal(pos.Quantity.Abs()) {
		e.logger.Info("Position size changed",
			"position_id", wp.ID,
			"from", wp.Quantity().String(),
			"to", pos.Quantity.Abs().String())
		wp.SetQuantity(pos.Quantity)
	}
}

func (e *Engine) onPositionClosed(ctx context.Context, pos *core.Position) {
	wp, ok := e.registry.Remove(pos.ID)
	if !ok {
		e.logger.Debug("Close notification for unwatched position", "position_id", pos.ID)
		return
	}

	if orderID := wp.TakeActiveStop(); orderID != "" {
		e.cancelStop(ctx, wp, orderID)
	}
	e.metrics.ClearActiveStop(wp.ID)
	e.record(ctx, wp, core.EventWatchEnded, decimal.Zero, "", "position closed")
}

func isOrderGone(err error) bool {
	return errors.Is(err, apperrors.ErrOrderNotFound)
}
