// Package core defines the domain types and collaborator contracts of the trailing stop manager
package core

import (
	"context"
	"time"
)

// IBarClock delivers closed bars for one symbol and period
type IBarClock interface {
	// Subscribe starts the stream. The channel is closed after Close or when ctx ends.
	Subscribe(ctx context.Context, symbol string, period time.Duration) (<-chan *Bar, error)
	Close() error
}

// IOrderGateway is the order management system the engine drives
type IOrderGateway interface {
	Name() string
	PlaceStopOrder(ctx context.Context, req *StopOrderRequest) (*Order, error)
	// CancelOrder must treat an already inactive order as success or apperrors.ErrOrderNotFound
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ClosePosition(ctx context.Context, positionID string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
}

// IPositionSource lists currently open positions
type IPositionSource interface {
	ListPositions(ctx context.Context, symbol string) ([]*Position, error)
}

// IPositionFeed notifies position lifecycle changes
type IPositionFeed interface {
	Subscribe(ctx context.Context) (<-chan *PositionEvent, error)
	Close() error
}

// IStopJournal records stop decisions for audit
type IStopJournal interface {
	Record(ctx context.Context, event *StopEvent) error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
