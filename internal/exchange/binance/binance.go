// Package binance provides the Binance USDⓈ-M futures order gateway
package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"
	"trailstop/pkg/tradingutils"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Position side reported by accounts in one-way mode
const positionSideBoth = "BOTH"

// PositionID joins a futures symbol and position side into the id the engine tracks
func PositionID(symbol, positionSide string) string {
	return strings.ToUpper(symbol) + ":" + strings.ToUpper(positionSide)
}

// ParsePositionID splits a position id built by PositionID. A bare symbol is
// treated as a one-way position.
func ParsePositionID(id string) (symbol, positionSide string, err error) {
	if id == "" {
		return "", "", fmt.Errorf("%w: empty position id", apperrors.ErrInvalidOrderParameter)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) == 1 {
		return strings.ToUpper(parts[0]), positionSideBoth, nil
	}
	side := strings.ToUpper(parts[1])
	switch side {
	case positionSideBoth, "LONG", "SHORT":
	default:
		return "", "", fmt.Errorf("%w: position side %q", apperrors.ErrInvalidOrderParameter, parts[1])
	}
	return strings.ToUpper(parts[0]), side, nil
}

type symbolFilters struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
}

// Gateway implements core.IOrderGateway and core.IPositionSource on Binance futures
type Gateway struct {
	client *futures.Client
	logger core.ILogger

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

// Options configures the futures client
type Options struct {
	APIKey    string
	SecretKey string
	BaseURL   string // Overrides the REST endpoint, used by tests and proxies
	Testnet   bool
}

// NewGateway creates a futures gateway
func NewGateway(opts Options, logger core.ILogger) *Gateway {
	futures.UseTestnet = opts.Testnet
	client := futures.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &Gateway{
		client:  client,
		logger:  logger.WithField("component", "binance_gateway"),
		filters: make(map[string]symbolFilters),
	}
}

func (g *Gateway) Name() string {
	return "binance"
}

// PlaceStopOrder submits a STOP_MARKET order triggered by the mark price.
// A duplicate client order id resolves to the order already resting.
func (g *Gateway) PlaceStopOrder(ctx context.Context, req *core.StopOrderRequest) (*core.Order, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrInvalidOrderParameter)
	}
	if !req.TriggerPrice.IsPositive() || !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: trigger price and quantity must be positive", apperrors.ErrInvalidOrderParameter)
	}

	_, positionSide, err := ParsePositionID(req.PositionID)
	if err != nil {
		positionSide = positionSideBoth
	}

	filters, err := g.symbolFilters(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price := tradingutils.StopToTick(req.TriggerPrice, filters.tickSize, req.Side)
	qty := tradingutils.FloorToStep(req.Quantity, filters.stepSize)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s below step size %s", apperrors.ErrInvalidOrderParameter, req.Quantity, filters.stepSize)
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeStopMarket).
		StopPrice(price.String()).
		Quantity(qty.String()).
		WorkingType(futures.WorkingTypeMarkPrice).
		TimeInForce(futures.TimeInForceTypeGTC)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	// Hedge mode rejects reduceOnly; the position side already scopes the order.
	if positionSide == positionSideBoth {
		svc = svc.ReduceOnly(true)
	} else {
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
			existing, getErr := g.client.NewGetOrderService().
				Symbol(req.Symbol).
				OrigClientOrderID(req.ClientOrderID).
				Do(ctx)
			if getErr == nil {
				g.logger.Info("Stop order already exists", "client_order_id", req.ClientOrderID, "order_id", existing.OrderID)
				return convertOrder(existing), nil
			}
		}
		return nil, fmt.Errorf("place stop order: %w", mapped)
	}

	return &core.Order{
		ID:            fmt.Sprintf("%d", resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          core.OrderTypeStop,
		TriggerPrice:  price,
		Quantity:      qty,
		Status:        mapOrderStatus(resp.Status),
		CreatedAt:     time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, mapError(err))
	}
	return nil
}

// ClosePosition flattens the position with a reduce-only market order
func (g *Gateway) ClosePosition(ctx context.Context, positionID string) error {
	symbol, positionSide, err := ParsePositionID(positionID)
	if err != nil {
		return err
	}

	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return fmt.Errorf("load position %s: %w", positionID, mapError(err))
	}

	var amt decimal.Decimal
	found := false
	for _, r := range risks {
		if r.Symbol != symbol || !strings.EqualFold(string(r.PositionSide), positionSide) {
			continue
		}
		amt, err = decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return fmt.Errorf("parse position amount %q: %w", r.PositionAmt, err)
		}
		found = !amt.IsZero()
		break
	}
	if !found {
		return fmt.Errorf("close %s: %w", positionID, apperrors.ErrPositionNotFound)
	}

	side := futures.SideTypeSell
	if amt.IsNegative() {
		side = futures.SideTypeBuy
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(amt.Abs().String())
	if positionSide == positionSideBoth {
		svc = svc.ReduceOnly(true)
	} else {
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	}
	if _, err := svc.Do(ctx); err != nil {
		return fmt.Errorf("close %s: %w", positionID, mapError(err))
	}

	g.logger.Info("Position closed at market", "position_id", positionID, "quantity", amt.Abs().String())
	return nil
}

func (g *Gateway) ListOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	orders, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", mapError(err))
	}
	result := make([]*core.Order, 0, len(orders))
	for _, o := range orders {
		result = append(result, convertOrder(o))
	}
	return result, nil
}

// ListPositions returns the non-flat positions of symbol, or of every symbol when empty
func (g *Gateway) ListPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	svc := g.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", mapError(err))
	}

	result := make([]*core.Position, 0, len(risks))
	for _, r := range risks {
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)

		side := core.Long
		switch strings.ToUpper(string(r.PositionSide)) {
		case "SHORT":
			side = core.Short
		case "LONG":
		default:
			if amt.IsNegative() {
				side = core.Short
			}
		}
		positionSide := string(r.PositionSide)
		if positionSide == "" {
			positionSide = positionSideBoth
		}

		result = append(result, &core.Position{
			ID:         PositionID(r.Symbol, positionSide),
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CheckHealth pings the REST API
func (g *Gateway) CheckHealth(ctx context.Context) error {
	return g.client.NewPingService().Do(ctx)
}

func (g *Gateway) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	g.mu.RLock()
	f, ok := g.filters[symbol]
	g.mu.RUnlock()
	if ok {
		return f, nil
	}

	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("load exchange info: %w", mapError(err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range info.Symbols {
		var sf symbolFilters
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "PRICE_FILTER":
				sf.tickSize = decimalField(filter, "tickSize")
			case "LOT_SIZE":
				sf.stepSize = decimalField(filter, "stepSize")
			}
		}
		g.filters[s.Symbol] = sf
	}

	f, ok = g.filters[symbol]
	if !ok {
		return symbolFilters{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return f, nil
}

func decimalField(filter map[string]interface{}, key string) decimal.Decimal {
	s, ok := filter[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}
	return id, nil
}

func convertOrder(o *futures.Order) *core.Order {
	stop, _ := decimal.NewFromString(o.StopPrice)
	qty, _ := decimal.NewFromString(o.OrigQuantity)

	typ := core.OrderTypeOther
	switch o.Type {
	case futures.OrderTypeStopMarket, futures.OrderTypeStop:
		typ = core.OrderTypeStop
	case futures.OrderTypeLimit:
		typ = core.OrderTypeLimit
	case futures.OrderTypeMarket:
		typ = core.OrderTypeMarket
	}

	return &core.Order{
		ID:            fmt.Sprintf("%d", o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(o.Side),
		Type:          typ,
		TriggerPrice:  stop,
		Quantity:      qty,
		Status:        mapOrderStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time),
	}
}

func mapOrderStatus(status futures.OrderStatusType) core.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return core.OrderStatusNew
	case futures.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return core.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return core.OrderStatusExpired
	default:
		return core.OrderStatusUndefined
	}
}

// mapError translates Binance error codes into the gateway error vocabulary
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}

	var sentinel error
	switch apiErr.Code {
	case -2011, -2013:
		sentinel = apperrors.ErrOrderNotFound
	case -2015, -2014, -1022:
		sentinel = apperrors.ErrAuthenticationFailed
	case -2010, -2019:
		sentinel = apperrors.ErrInsufficientFunds
	case -1003, -1015:
		sentinel = apperrors.ErrRateLimitExceeded
	case -1121:
		sentinel = apperrors.ErrInvalidSymbol
	case -2012, -4116:
		sentinel = apperrors.ErrDuplicateOrder
	case -1021:
		sentinel = apperrors.ErrTimestampOutOfBounds
	case -1001, -1008:
		sentinel = apperrors.ErrSystemOverload
	case -2021, -2022, -4164, -1111, -1013:
		sentinel = apperrors.ErrOrderRejected
	default:
		return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: binance %d %s", sentinel, apiErr.Code, apiErr.Message)
}
