package mock

import (
	"context"
	"sync"
	"time"

	"trailstop/internal/core"
)

// ManualBarClock is a bar clock driven by Emit
type ManualBarClock struct {
	mu     sync.Mutex
	ch     chan *core.Bar
	closed bool
	symbol string
	period time.Duration
}

func NewManualBarClock() *ManualBarClock {
	return &ManualBarClock{}
}

func (c *ManualBarClock) Subscribe(ctx context.Context, symbol string, period time.Duration) (<-chan *core.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = make(chan *core.Bar, 16)
	c.closed = false
	c.symbol = symbol
	c.period = period
	return c.ch, nil
}

// Emit delivers bar to the subscriber. It reports false when nobody is subscribed.
func (c *ManualBarClock) Emit(bar *core.Bar) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.closed {
		return false
	}
	c.ch <- bar
	return true
}

// Subscribed returns the symbol and period of the current subscription
func (c *ManualBarClock) Subscribed() (string, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbol, c.period, c.ch != nil && !c.closed
}

func (c *ManualBarClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil && !c.closed {
		close(c.ch)
		c.closed = true
	}
	return nil
}

// ManualPositionFeed is a position feed driven by Emit
type ManualPositionFeed struct {
	mu     sync.Mutex
	ch     chan *core.PositionEvent
	closed bool
}

func NewManualPositionFeed() *ManualPositionFeed {
	return &ManualPositionFeed{}
}

func (f *ManualPositionFeed) Subscribe(ctx context.Context) (<-chan *core.PositionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan *core.PositionEvent, 16)
	f.closed = false
	return f.ch, nil
}

func (f *ManualPositionFeed) Emit(ev *core.PositionEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil || f.closed {
		return false
	}
	f.ch <- ev
	return true
}

func (f *ManualPositionFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch != nil && !f.closed {
		close(f.ch)
		f.closed = true
	}
	return nil
}

// FillingClock forwards bars from an inner clock and lets the paper exchange
// fill the stops each bar traded through before the engine sees it.
type FillingClock struct {
	inner    core.IBarClock
	exchange *MockExchange
	logger   core.ILogger
}

func NewFillingClock(inner core.IBarClock, exchange *MockExchange, logger core.ILogger) *FillingClock {
	return &FillingClock{
		inner:    inner,
		exchange: exchange,
		logger:   logger.WithField("component", "paper_fills"),
	}
}

func (c *FillingClock) Subscribe(ctx context.Context, symbol string, period time.Duration) (<-chan *core.Bar, error) {
	in, err := c.inner.Subscribe(ctx, symbol, period)
	if err != nil {
		return nil, err
	}

	out := make(chan *core.Bar, 1)
	go func() {
		defer close(out)
		for bar := range in {
			if bar != nil {
				for _, id := range c.exchange.ApplyBar(bar) {
					c.logger.Info("Paper stop filled", "order_id", id, "symbol", bar.Symbol)
				}
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *FillingClock) Close() error {
	return c.inner.Close()
}
