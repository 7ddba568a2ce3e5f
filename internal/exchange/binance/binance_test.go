package binance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"
	"trailstop/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"0.10","maxPrice":"1000000"},
{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"}]}]}`

type fakeFutures struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, form url.Values)
}

type recordedRequest struct {
	method string
	path   string
	form   url.Values
}

func newFakeFutures(t *testing.T) (*fakeFutures, *Gateway) {
	f := &fakeFutures{t: t, routes: make(map[string]func(http.ResponseWriter, url.Values))}
	f.handle("GET /fapi/v1/exchangeInfo", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(exchangeInfoJSON))
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form, err := requestParams(r)
		require.NoError(t, err)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{method: r.Method, path: r.URL.Path, form: form})
		f.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if strings.HasSuffix(r.URL.Path, "/positionRisk") {
			key = r.Method + " positionRisk"
		}
		h, ok := f.routes[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":-1,"msg":"no route"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, form)
	}))
	t.Cleanup(srv.Close)

	gw := NewGateway(Options{APIKey: "key", SecretKey: "secret", BaseURL: srv.URL}, logging.NewNopLogger())
	return f, gw
}

// requestParams merges query and form-encoded body parameters. go-binance
// signs DELETE parameters into the body, which ParseForm leaves unread.
func requestParams(r *http.Request) (url.Values, error) {
	params := r.URL.Query()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return params, nil
	}
	bodyParams, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range bodyParams {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	return params, nil
}

func (f *fakeFutures) handle(route string, h func(http.ResponseWriter, url.Values)) {
	f.routes[route] = h
}

func (f *fakeFutures) find(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.method == method && r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func apiError(w http.ResponseWriter, body string) {
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(body))
}

func TestPlaceStopOrder_OneWayRoundsToFilters(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("POST /fapi/v1/order", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","clientOrderId":"ts_BTCUSDT_BOTH_abc","status":"NEW","updateTime":1700000000000}`))
	})

	order, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:        "BTCUSDT",
		PositionID:    "BTCUSDT:BOTH",
		Side:          core.Sell,
		TriggerPrice:  decimal.RequireFromString("60123.47"),
		Quantity:      decimal.RequireFromString("0.1234"),
		ClientOrderID: "ts_BTCUSDT_BOTH_abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", order.ID)
	assert.Equal(t, core.OrderTypeStop, order.Type)
	assert.Equal(t, core.OrderStatusNew, order.Status)
	assert.True(t, order.TriggerPrice.Equal(decimal.RequireFromString("60123.4")))
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.123")))

	calls := f.find(http.MethodPost, "/fapi/v1/order")
	require.Len(t, calls, 1)
	form := calls[0].form
	assert.Equal(t, "STOP_MARKET", form.Get("type"))
	assert.Equal(t, "SELL", form.Get("side"))
	assert.Equal(t, "60123.4", form.Get("stopPrice"))
	assert.Equal(t, "0.123", form.Get("quantity"))
	assert.Equal(t, "MARK_PRICE", form.Get("workingType"))
	assert.Equal(t, "true", form.Get("reduceOnly"))
	assert.Empty(t, form.Get("positionSide"))
	assert.Equal(t, "ts_BTCUSDT_BOTH_abc", form.Get("newClientOrderId"))
}

func TestPlaceStopOrder_HedgeModeUsesPositionSide(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("POST /fapi/v1/order", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`{"orderId":7,"symbol":"BTCUSDT","status":"NEW"}`))
	})

	_, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:       "BTCUSDT",
		PositionID:   "BTCUSDT:SHORT",
		Side:         core.Buy,
		TriggerPrice: decimal.RequireFromString("61000.01"),
		Quantity:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	form := f.find(http.MethodPost, "/fapi/v1/order")[0].form
	assert.Equal(t, "SHORT", form.Get("positionSide"))
	assert.Empty(t, form.Get("reduceOnly"))
	assert.Equal(t, "61000.1", form.Get("stopPrice"), "buy stops round up to the tick")
}

func TestPlaceStopOrder_DuplicateResolvesExisting(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("POST /fapi/v1/order", func(w http.ResponseWriter, _ url.Values) {
		apiError(w, `{"code":-4116,"msg":"ClientOrderId is duplicated."}`)
	})
	f.handle("GET /fapi/v1/order", func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "ts_dup", form.Get("origClientOrderId"))
		_, _ = w.Write([]byte(`{"orderId":99,"symbol":"BTCUSDT","clientOrderId":"ts_dup","status":"NEW","type":"STOP_MARKET","side":"SELL","stopPrice":"60000","origQty":"0.5","time":1700000000000}`))
	})

	order, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:        "BTCUSDT",
		PositionID:    "BTCUSDT:BOTH",
		Side:          core.Sell,
		TriggerPrice:  decimal.NewFromInt(60000),
		Quantity:      decimal.RequireFromString("0.5"),
		ClientOrderID: "ts_dup",
	})
	require.NoError(t, err)
	assert.Equal(t, "99", order.ID)
	assert.True(t, order.TriggerPrice.Equal(decimal.NewFromInt(60000)))
}

func TestPlaceStopOrder_RejectsInvalidInput(t *testing.T) {
	f, gw := newFakeFutures(t)

	_, err := gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:       "BTCUSDT",
		Side:         core.Sell,
		TriggerPrice: decimal.Zero,
		Quantity:     decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)

	_, err = gw.PlaceStopOrder(context.Background(), &core.StopOrderRequest{
		Symbol:       "BTCUSDT",
		Side:         core.Sell,
		TriggerPrice: decimal.NewFromInt(100),
		Quantity:     decimal.RequireFromString("0.0004"),
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
	assert.Empty(t, f.find(http.MethodPost, "/fapi/v1/order"))
}

func TestCancelOrder_UnknownOrderMapsToNotFound(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("DELETE /fapi/v1/order", func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "123", form.Get("orderId"))
		apiError(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	})

	err := gw.CancelOrder(context.Background(), "BTCUSDT", "123")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
	assert.False(t, apperrors.IsTransient(err))

	err = gw.CancelOrder(context.Background(), "BTCUSDT", "not-a-number")
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
	assert.Len(t, f.find(http.MethodDelete, "/fapi/v1/order"), 1)
}

func TestListOpenOrders(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("GET /fapi/v1/openOrders", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`[
{"orderId":1,"symbol":"BTCUSDT","clientOrderId":"a","status":"NEW","type":"STOP_MARKET","side":"SELL","stopPrice":"59000","origQty":"0.5","time":1700000000000},
{"orderId":2,"symbol":"BTCUSDT","clientOrderId":"b","status":"NEW","type":"LIMIT","side":"BUY","price":"58000","stopPrice":"0","origQty":"1","time":1700000000000}]`))
	})

	orders, err := gw.ListOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, core.OrderTypeStop, orders[0].Type)
	assert.Equal(t, core.Sell, orders[0].Side)
	assert.True(t, orders[0].TriggerPrice.Equal(decimal.NewFromInt(59000)))
	assert.Equal(t, core.OrderTypeLimit, orders[1].Type)
}

func TestListPositions(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("GET positionRisk", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`[
{"symbol":"BTCUSDT","positionAmt":"-0.250","entryPrice":"61000","positionSide":"BOTH"},
{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","positionSide":"BOTH"},
{"symbol":"ETHUSDT","positionAmt":"2","entryPrice":"3000","positionSide":"LONG"}]`))
	})

	positions, err := gw.ListPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "BTCUSDT:BOTH", positions[0].ID)
	assert.Equal(t, core.Short, positions[0].Side)
	assert.True(t, positions[0].Quantity.Equal(decimal.RequireFromString("0.25")))

	assert.Equal(t, "ETHUSDT:LONG", positions[1].ID)
	assert.Equal(t, core.Long, positions[1].Side)
}

func TestClosePosition(t *testing.T) {
	f, gw := newFakeFutures(t)
	f.handle("GET positionRisk", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.250","entryPrice":"61000","positionSide":"BOTH"}]`))
	})
	f.handle("POST /fapi/v1/order", func(w http.ResponseWriter, _ url.Values) {
		_, _ = w.Write([]byte(`{"orderId":5,"symbol":"BTCUSDT","status":"FILLED"}`))
	})

	require.NoError(t, gw.ClosePosition(context.Background(), "BTCUSDT:BOTH"))

	form := f.find(http.MethodPost, "/fapi/v1/order")[0].form
	assert.Equal(t, "MARKET", form.Get("type"))
	assert.Equal(t, "BUY", form.Get("side"))
	assert.Equal(t, "0.25", form.Get("quantity"))
	assert.Equal(t, "true", form.Get("reduceOnly"))

	err := gw.ClosePosition(context.Background(), "BTCUSDT:LONG")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestParsePositionID(t *testing.T) {
	tests := []struct {
		in         string
		wantSymbol string
		wantSide   string
		wantErr    bool
	}{
		{"BTCUSDT:LONG", "BTCUSDT", "LONG", false},
		{"btcusdt:short", "BTCUSDT", "SHORT", false},
		{"BTCUSDT", "BTCUSDT", "BOTH", false},
		{"BTCUSDT:SIDEWAYS", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			symbol, side, err := ParsePositionID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSymbol, symbol)
			assert.Equal(t, tt.wantSide, side)
		})
	}
}

func TestRequestParams_ReadsDeleteBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodDelete, "/fapi/v1/order?timestamp=1",
		strings.NewReader("symbol=BTCUSDT&orderId=123&signature=abc"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	params, err := requestParams(r)
	require.NoError(t, err)
	assert.Equal(t, "123", params.Get("orderId"))
	assert.Equal(t, "BTCUSDT", params.Get("symbol"))
	assert.Equal(t, "1", params.Get("timestamp"))
}
