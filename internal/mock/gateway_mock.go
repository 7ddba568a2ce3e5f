package mock

import (
	"context"

	"trailstop/internal/core"

	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of core.IOrderGateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string {
	return "mock"
}

func (m *MockGateway) PlaceStopOrder(ctx context.Context, req *core.StopOrderRequest) (*core.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Order), args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func (m *MockGateway) ClosePosition(ctx context.Context, positionID string) error {
	args := m.Called(ctx, positionID)
	return args.Error(0)
}

func (m *MockGateway) ListOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core.Order), args.Error(1)
}
