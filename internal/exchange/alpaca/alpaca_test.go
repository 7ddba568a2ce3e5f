package alpaca

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"
	"trailstop/pkg/logging"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrading struct {
	placed    []alpaca.PlaceOrderRequest
	cancelled []string
	closed    []string
	orders    []alpaca.Order
	positions []alpaca.Position
	account   *alpaca.Account

	placeErr  error
	cancelErr error
	closeErr  error
}

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &alpaca.Order{
		ID:            "ord-1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
		Status:        "accepted",
		CreatedAt:     time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeTrading) GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error) {
	for i := range f.orders {
		if f.orders[i].ClientOrderID == clientOrderID {
			return &f.orders[i], nil
		}
	}
	return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
}

func (f *fakeTrading) CancelOrder(orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

func (f *fakeTrading) ClosePosition(symbol string, _ alpaca.ClosePositionRequest) (*alpaca.Order, error) {
	f.closed = append(f.closed, symbol)
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	return &alpaca.Order{ID: "close-1", Symbol: symbol}, nil
}

func (f *fakeTrading) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	return f.orders, nil
}

func (f *fakeTrading) GetPositions() ([]alpaca.Position, error) {
	return f.positions, nil
}

func (f *fakeTrading) GetAccount() (*alpaca.Account, error) {
	if f.account == nil {
		return &alpaca.Account{}, nil
	}
	return f.account, nil
}

func newTestGateway() (*fakeTrading, *Gateway) {
	api := &fakeTrading{}
	return api, newGateway(api, logging.NewNopLogger())
}

func TestPlaceStopOrder(t *testing.T) {
	api, gw := newTestGateway()

	order, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:        "AAPL",
		PositionID:    "AAPL",
		Side:          core.Sell,
		TriggerPrice:  decimal.RequireFromString("187.456"),
		Quantity:      decimal.RequireFromString("10.7"),
		TimeInForce:   core.GTC,
		ClientOrderID: "ts_AAPL_abc",
	})
	require.NoError(t, err)
	require.Len(t, api.placed, 1)

	req := api.placed[0]
	assert.Equal(t, alpaca.Sell, req.Side)
	assert.Equal(t, alpaca.Stop, req.Type)
	assert.Equal(t, alpaca.GTC, req.TimeInForce)
	assert.Equal(t, "10", req.Qty.String())
	assert.Equal(t, "187.45", req.StopPrice.String())

	assert.Equal(t, "ord-1", order.ID)
	assert.Equal(t, core.Sell, order.Side)
	assert.Equal(t, core.OrderTypeStop, order.Type)
	assert.Equal(t, core.OrderStatusNew, order.Status)
}

func TestPlaceStopOrder_BuyStopRoundsUp(t *testing.T) {
	api, gw := newTestGateway()

	_, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:       "AAPL",
		Side:         core.Buy,
		TriggerPrice: decimal.RequireFromString("187.451"),
		Quantity:     decimal.NewFromInt(3),
		TimeInForce:  core.Day,
	})
	require.NoError(t, err)
	assert.Equal(t, "187.46", api.placed[0].StopPrice.String())
	assert.Equal(t, alpaca.Day, api.placed[0].TimeInForce)
}

func TestPlaceStopOrder_FractionalBelowOneShare(t *testing.T) {
	api, gw := newTestGateway()

	_, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:       "AAPL",
		Side:         core.Sell,
		TriggerPrice: decimal.NewFromInt(100),
		Quantity:     decimal.RequireFromString("0.5"),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
	assert.Empty(t, api.placed)
}

func TestPlaceStopOrder_DuplicateClientIDResolvesExisting(t *testing.T) {
	api, gw := newTestGateway()
	stop := decimal.NewFromInt(180)
	api.orders = []alpaca.Order{{ID: "first", ClientOrderID: "ts_AAPL_x", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Stop, StopPrice: &stop, Status: "new"}}
	api.placeErr = &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "client_order_id must be unique"}

	order, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:        "AAPL",
		Side:          core.Sell,
		TriggerPrice:  stop,
		Quantity:      decimal.NewFromInt(1),
		ClientOrderID: "ts_AAPL_x",
	})
	require.NoError(t, err)
	assert.Equal(t, "first", order.ID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		op     func(gw *Gateway) error
		setErr func(api *fakeTrading, err error)
		want   error
	}{
		{
			name:   "cancel unknown order",
			status: http.StatusNotFound,
			op:     func(gw *Gateway) error { return gw.CancelOrder(context.Background(), "AAPL", "x") },
			setErr: func(api *fakeTrading, err error) { api.cancelErr = err },
			want:   apperrors.ErrOrderNotFound,
		},
		{
			name:   "cancel filled order",
			status: http.StatusUnprocessableEntity,
			op:     func(gw *Gateway) error { return gw.CancelOrder(context.Background(), "AAPL", "x") },
			setErr: func(api *fakeTrading, err error) { api.cancelErr = err },
			want:   apperrors.ErrOrderNotFound,
		},
		{
			name:   "close flat position",
			status: http.StatusNotFound,
			op:     func(gw *Gateway) error { return gw.ClosePosition(context.Background(), "AAPL") },
			setErr: func(api *fakeTrading, err error) { api.closeErr = err },
			want:   apperrors.ErrPositionNotFound,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			op:     func(gw *Gateway) error { return gw.ClosePosition(context.Background(), "AAPL") },
			setErr: func(api *fakeTrading, err error) { api.closeErr = err },
			want:   apperrors.ErrRateLimitExceeded,
		},
		{
			name:   "rejected stop",
			status: http.StatusUnprocessableEntity,
			op: func(gw *Gateway) error {
				_, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
					Symbol: "AAPL", Side: core.Sell, TriggerPrice: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
				})
				return err
			},
			setErr: func(api *fakeTrading, err error) { api.placeErr = err },
			want:   apperrors.ErrOrderRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, gw := newTestGateway()
			tt.setErr(api, &alpaca.APIError{StatusCode: tt.status, Message: "nope"})
			assert.ErrorIs(t, tt.op(gw), tt.want)
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	api, gw := newTestGateway()
	api.cancelErr = errors.New("dial tcp: i/o timeout")

	err := gw.CancelOrder(context.Background(), "AAPL", "x")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, apperrors.IsTransient(err))
}

func TestListOpenOrdersAndPositions(t *testing.T) {
	api, gw := newTestGateway()
	stop := decimal.NewFromInt(180)
	qty := decimal.NewFromInt(5)
	api.orders = []alpaca.Order{
		{ID: "a", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Stop, StopPrice: &stop, Qty: &qty, Status: "new"},
		{ID: "b", Symbol: "AAPL", Side: alpaca.Buy, Type: alpaca.Limit, Qty: &qty, Status: "new"},
	}
	api.positions = []alpaca.Position{
		{Symbol: "MSFT", Qty: decimal.NewFromInt(-4), Side: "short", AvgEntryPrice: decimal.NewFromInt(400)},
		{Symbol: "AAPL", Qty: decimal.NewFromInt(5), Side: "long", AvgEntryPrice: decimal.NewFromInt(170)},
	}

	orders, err := gw.ListOpenOrders(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, core.OrderTypeStop, orders[0].Type)
	assert.Equal(t, core.Sell, orders[0].Side)
	assert.True(t, orders[0].TriggerPrice.Equal(stop))
	assert.True(t, orders[1].TriggerPrice.IsZero())

	all, err := gw.ListPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].ID)
	assert.Equal(t, core.Long, all[0].Side)
	assert.Equal(t, core.Short, all[1].Side)
	assert.True(t, all[1].Quantity.Equal(decimal.NewFromInt(4)))

	one, err := gw.ListPositions(context.Background(), "MSFT")
	require.NoError(t, err)
	require.Len(t, one, 1)
}

func TestCheckHealth(t *testing.T) {
	api, gw := newTestGateway()
	require.NoError(t, gw.CheckHealth(context.Background()))

	api.account = &alpaca.Account{TradingBlocked: true, AccountNumber: "PA123"}
	assert.ErrorIs(t, gw.CheckHealth(context.Background()), apperrors.ErrAuthenticationFailed)
}

func TestCanceledContextShortCircuits(t *testing.T) {
	api, gw := newTestGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, gw.CancelOrder(ctx, "AAPL", "x"), context.Canceled)
	assert.Empty(t, api.cancelled)
}
