// Package mock provides an in-memory paper exchange and hand-driven streams
// for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange is a paper order gateway and position source.
// Stops rest until ApplyBar crosses them; closes are filled immediately.
type MockExchange struct {
	name           string
	orders         map[string]*core.Order
	orderPosition  map[string]string
	clientOrderMap map[string]string
	orderIDCounter int64
	positions      map[string]*core.Position
	mu             sync.RWMutex

	// Failure injection
	placeErr  error
	cancelErr error
	closeErr  error
	listErr   error

	// Call log
	placeCalls  int
	cancelCalls int
	closeCalls  []string
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		orders:         make(map[string]*core.Order),
		orderPosition:  make(map[string]string),
		clientOrderMap: make(map[string]string),
		positions:      make(map[string]*core.Position),
		orderIDCounter: 1000,
	}
}

func (m *MockExchange) Name() string {
	return m.name
}

// SetPosition opens or replaces a position
func (m *MockExchange) SetPosition(pos *core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *pos
	m.positions[pos.ID] = &p
}

// RemovePosition drops a position without touching its orders
func (m *MockExchange) RemovePosition(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
}

// AddOrder inserts a resting order as if placed outside the engine
func (m *MockExchange) AddOrder(order *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := *order
	if o.Status == "" {
		o.Status = core.OrderStatusNew
	}
	m.orders[o.ID] = &o
}

func (m *MockExchange) SetPlaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

func (m *MockExchange) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

func (m *MockExchange) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

func (m *MockExchange) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// PlaceStopOrder rests a stop. A repeated client order id returns the existing order.
func (m *MockExchange) PlaceStopOrder(ctx context.Context, req *core.StopOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	if m.placeErr != nil {
		return nil, m.placeErr
	}

	if req.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := m.orders[existingID]; ok {
				o := *existing
				return &o, nil
			}
		}
	}

	if !req.TriggerPrice.IsPositive() || !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: trigger=%s quantity=%s", apperrors.ErrInvalidOrderParameter, req.TriggerPrice, req.Quantity)
	}

	m.orderIDCounter++
	order := &core.Order{
		ID:            strconv.FormatInt(m.orderIDCounter, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          core.OrderTypeStop,
		TriggerPrice:  req.TriggerPrice,
		Quantity:      req.Quantity,
		Status:        core.OrderStatusNew,
		CreatedAt:     time.Now(),
	}
	m.orders[order.ID] = order
	m.orderPosition[order.ID] = req.PositionID
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = order.ID
	}

	o := *order
	return &o, nil
}

// CancelOrder cancels a resting order. Unknown or inactive orders yield ErrOrderNotFound.
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls++
	if m.cancelErr != nil {
		return m.cancelErr
	}

	order, ok := m.orders[orderID]
	if !ok || order.Status != core.OrderStatusNew {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order.Status = core.OrderStatusCanceled
	return nil
}

// ClosePosition flattens a position at market
func (m *MockExchange) ClosePosition(ctx context.Context, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls = append(m.closeCalls, positionID)
	if m.closeErr != nil {
		return m.closeErr
	}
	if _, ok := m.positions[positionID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, positionID)
	}
	delete(m.positions, positionID)
	return nil
}

// ListOpenOrders returns resting orders for symbol ordered by id
func (m *MockExchange) ListOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []*core.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == core.OrderStatusNew {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPositions returns open positions for symbol, or all when symbol is empty
func (m *MockExchange) ListPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []*core.Position
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyBar fills every resting stop the bar traded through and closes the
// position it protects. It returns the ids of the filled orders.
func (m *MockExchange) ApplyBar(bar *core.Bar) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filled []string
	for id, o := range m.orders {
		if o.Symbol != bar.Symbol || o.Status != core.OrderStatusNew || o.Type != core.OrderTypeStop {
			continue
		}
		hit := (o.Side == core.Sell && bar.Low.LessThanOrEqual(o.TriggerPrice)) ||
			(o.Side == core.Buy && bar.High.GreaterThanOrEqual(o.TriggerPrice))
		if !hit {
			continue
		}
		o.Status = core.OrderStatusFilled
		delete(m.positions, m.orderPosition[id])
		filled = append(filled, id)
	}
	sort.Strings(filled)
	return filled
}

// Orders returns a copy of every order ever placed or added
func (m *MockExchange) Orders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlaceCalls returns the number of placement attempts
func (m *MockExchange) PlaceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.placeCalls
}

// CancelCalls returns the number of cancel attempts
func (m *MockExchange) CancelCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelCalls
}

// CloseCalls returns the ids passed to ClosePosition in call order
func (m *MockExchange) CloseCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.closeCalls...)
}

// HasPosition reports whether a position is still open
func (m *MockExchange) HasPosition(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[id]
	return ok
}

// Position returns a copy of the position with id
func (m *MockExchange) Position(id string) (*core.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

// NewPosition is a shorthand for tests
func NewPosition(id, symbol string, side core.PositionSide, qty float64) *core.Position {
	return &core.Position{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Quantity: decimal.NewFromFloat(qty),
	}
}
