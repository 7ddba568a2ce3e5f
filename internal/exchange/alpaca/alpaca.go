// Package alpaca provides the Alpaca equities order gateway
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"
	"trailstop/pkg/tradingutils"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// tradingAPI is the subset of the Alpaca REST client the gateway calls
type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
}

// Gateway implements core.IOrderGateway and core.IPositionSource on Alpaca.
// Positions are keyed by symbol since an account holds one net position per asset.
type Gateway struct {
	api    tradingAPI
	logger core.ILogger
}

// Options configures the REST client
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string // Paper and live trading hosts differ
}

// NewGateway creates an Alpaca gateway
func NewGateway(opts Options, logger core.ILogger) *Gateway {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return newGateway(client, logger)
}

func newGateway(api tradingAPI, logger core.ILogger) *Gateway {
	return &Gateway{
		api:    api,
		logger: logger.WithField("component", "alpaca_gateway"),
	}
}

func (g *Gateway) Name() string {
	return "alpaca"
}

// PlaceStopOrder submits a stop market order. Fractional quantities are not
// accepted for stop orders, so the quantity is floored to whole shares.
func (g *Gateway) PlaceStopOrder(ctx context.Context, req *core.StopOrderRequest) (*core.Order, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrInvalidOrderParameter)
	}
	if !req.TriggerPrice.IsPositive() {
		return nil, fmt.Errorf("%w: trigger price must be positive", apperrors.ErrInvalidOrderParameter)
	}
	qty := req.Quantity.Floor()
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s is below one share", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tif := alpaca.GTC
	if req.TimeInForce == core.Day {
		tif = alpaca.Day
	}
	stop := roundStop(req.TriggerPrice, req.Side)

	order, err := g.api.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(string(req.Side))),
		Type:          alpaca.Stop,
		TimeInForce:   tif,
		StopPrice:     &stop,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		mapped := mapError(err, apperrors.ErrOrderRejected)
		// A retried submission whose first attempt landed is rejected as a
		// duplicate client order id.
		if errors.Is(mapped, apperrors.ErrOrderRejected) && req.ClientOrderID != "" {
			if existing, getErr := g.api.GetOrderByClientOrderID(req.ClientOrderID); getErr == nil {
				g.logger.Info("Stop order already exists", "client_order_id", req.ClientOrderID, "order_id", existing.ID)
				return convertOrder(existing), nil
			}
		}
		return nil, fmt.Errorf("place stop order: %w", mapped)
	}
	return convertOrder(order), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", apperrors.ErrInvalidOrderParameter)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.api.CancelOrder(orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, mapError(err, apperrors.ErrOrderNotFound))
	}
	return nil
}

// ClosePosition liquidates the whole position at market
func (g *Gateway) ClosePosition(ctx context.Context, positionID string) error {
	if positionID == "" {
		return fmt.Errorf("%w: position id is required", apperrors.ErrInvalidOrderParameter)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	order, err := g.api.ClosePosition(positionID, alpaca.ClosePositionRequest{})
	if err != nil {
		return fmt.Errorf("close %s: %w", positionID, mapError(err, apperrors.ErrPositionNotFound))
	}
	g.logger.Info("Position closed at market", "position_id", positionID, "order_id", order.ID)
	return nil
}

func (g *Gateway) ListOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	orders, err := g.api.GetOrders(req)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", mapError(err, apperrors.ErrInvalidSymbol))
	}
	result := make([]*core.Order, 0, len(orders))
	for i := range orders {
		result = append(result, convertOrder(&orders[i]))
	}
	return result, nil
}

// ListPositions returns the open positions of symbol, or every position when empty
func (g *Gateway) ListPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := g.api.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", mapError(err, apperrors.ErrInvalidSymbol))
	}

	result := make([]*core.Position, 0, len(positions))
	for _, p := range positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if p.Qty.IsZero() {
			continue
		}
		side := core.Long
		if strings.EqualFold(p.Side, "short") || p.Qty.IsNegative() {
			side = core.Short
		}
		result = append(result, &core.Position{
			ID:         p.Symbol,
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   p.Qty.Abs(),
			EntryPrice: p.AvgEntryPrice,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CheckHealth verifies the credentials reach an active account
func (g *Gateway) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acct, err := g.api.GetAccount()
	if err != nil {
		return mapError(err, apperrors.ErrAuthenticationFailed)
	}
	if acct.TradingBlocked {
		return fmt.Errorf("%w: trading blocked on account %s", apperrors.ErrAuthenticationFailed, acct.AccountNumber)
	}
	return nil
}

// roundStop snaps equities stops to cents (sub-dollar prices keep four
// decimals) on the looser side of the stop.
func roundStop(price decimal.Decimal, side core.OrderSide) decimal.Decimal {
	places := int32(2)
	if price.LessThan(decimal.NewFromInt(1)) {
		places = 4
	}
	return tradingutils.StopToPlaces(price, places, side)
}

func convertOrder(o *alpaca.Order) *core.Order {
	out := &core.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(strings.ToUpper(string(o.Side))),
		Type:          mapOrderType(o.Type),
		Status:        mapOrderStatus(o.Status),
		CreatedAt:     o.CreatedAt,
	}
	if o.StopPrice != nil {
		out.TriggerPrice = *o.StopPrice
	}
	if o.Qty != nil {
		out.Quantity = *o.Qty
	}
	return out
}

func mapOrderType(t alpaca.OrderType) core.OrderType {
	switch t {
	case alpaca.Stop:
		return core.OrderTypeStop
	case alpaca.Limit:
		return core.OrderTypeLimit
	case alpaca.Market:
		return core.OrderTypeMarket
	default:
		return core.OrderTypeOther
	}
}

func mapOrderStatus(status string) core.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "partially_filled", "held":
		return core.OrderStatusNew
	case "filled":
		return core.OrderStatusFilled
	case "canceled", "pending_cancel":
		return core.OrderStatusCanceled
	case "rejected":
		return core.OrderStatusRejected
	case "expired", "done_for_day":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusUndefined
	}
}

// mapError translates Alpaca HTTP failures. notFound is the sentinel a 404
// means for the calling operation.
func mapError(err error, notFound error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}

	var sentinel error
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		sentinel = notFound
	case apiErr.StatusCode == http.StatusUnprocessableEntity && errors.Is(notFound, apperrors.ErrOrderNotFound):
		// The order is no longer cancelable: filled, canceled or expired.
		sentinel = apperrors.ErrOrderNotFound
	case apiErr.StatusCode == http.StatusUnauthorized:
		sentinel = apperrors.ErrAuthenticationFailed
	case apiErr.StatusCode == http.StatusForbidden:
		sentinel = apperrors.ErrInsufficientFunds
	case apiErr.StatusCode == http.StatusUnprocessableEntity:
		sentinel = apperrors.ErrOrderRejected
	case apiErr.StatusCode == http.StatusTooManyRequests:
		sentinel = apperrors.ErrRateLimitExceeded
	case apiErr.StatusCode >= http.StatusInternalServerError:
		sentinel = apperrors.ErrSystemOverload
	default:
		return fmt.Errorf("alpaca error %d: %s", apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: alpaca %d %s", sentinel, apiErr.StatusCode, apiErr.Message)
}
