package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// ExitSide returns the order side that reduces a position of this direction
func (s PositionSide) ExitSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Valid reports whether s is Long or Short
func (s PositionSide) Valid() bool {
	return s == Long || s == Short
}

// ParsePositionSide accepts LONG/SHORT in any case
func ParsePositionSide(s string) (PositionSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return Long, nil
	case "SHORT":
		return Short, nil
	default:
		return "", fmt.Errorf("invalid position side: %q", s)
	}
}

// OrderSide is the side of an order
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType classifies orders returned by a gateway
type OrderType string

const (
	OrderTypeStop   OrderType = "STOP"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeOther  OrderType = "OTHER"
)

// TimeInForce is the lifetime of an order
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	Day TimeInForce = "DAY"
)

// OrderStatus is a normalized order status
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusUndefined OrderStatus = "UNDEFINED"
)

// Bar is one closed OHLC period. TimeRight is the exclusive end of the period.
type Bar struct {
	Symbol    string
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	TimeRight time.Time
}

// Position is an open position as reported by a gateway or feed
type Position struct {
	ID         string
	Symbol     string
	Account    string
	Side       PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Order is an order as reported by a gateway
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
}

// StopOrderRequest describes a protective stop for one position
type StopOrderRequest struct {
	Account       string
	Symbol        string
	PositionID    string
	Side          OrderSide
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
	TimeInForce   TimeInForce
	ClientOrderID string
}

// PositionEventType tags a PositionEvent
type PositionEventType string

const (
	PositionOpened  PositionEventType = "OPENED"
	PositionUpdated PositionEventType = "UPDATED"
	PositionClosed  PositionEventType = "CLOSED"
)

// PositionEvent is emitted by a position feed
type PositionEvent struct {
	Type     PositionEventType
	Position *Position
}

// StopEventKind names an entry in the decision journal
type StopEventKind string

const (
	EventWatchStarted  StopEventKind = "watch_started"
	EventStopAdopted   StopEventKind = "stop_adopted"
	EventStopPlaced    StopEventKind = "stop_placed"
	EventStopCancelled StopEventKind = "stop_cancelled"
	EventForcedClose   StopEventKind = "forced_close"
	EventWatchEnded    StopEventKind = "watch_ended"
)

// StopEvent is one journal record
type StopEvent struct {
	Time       time.Time
	PositionID string
	Symbol     string
	Side       PositionSide
	Kind       StopEventKind
	Price      decimal.Decimal
	OrderID    string
	Reason     string
}
