package barclock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trailstop/internal/core"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// ErrNoCompletedBar is returned when the lookup finds no bar closed before now
var ErrNoCompletedBar = errors.New("failed to find completed bar")

// BarsFetcher is the subset of the Alpaca market data client the clock needs
type BarsFetcher interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaClock wakes at every period boundary, asks the market data API for
// recent bars and emits the last one that has completed.
type AlpacaClock struct {
	fetcher BarsFetcher
	feed    string
	settle  time.Duration
	now     func() time.Time
	logger  core.ILogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAlpacaClock creates a clock backed by the Alpaca market data REST API
func NewAlpacaClock(apiKey, apiSecret, dataURL, feed string, logger core.ILogger) *AlpacaClock {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return NewAlpacaClockWithFetcher(marketdata.NewClient(opts), feed, logger)
}

// NewAlpacaClockWithFetcher creates a clock on an arbitrary bar source
func NewAlpacaClockWithFetcher(fetcher BarsFetcher, feed string, logger core.ILogger) *AlpacaClock {
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaClock{
		fetcher: fetcher,
		feed:    feed,
		settle:  5 * time.Second,
		now:     time.Now,
		logger:  logger.WithField("component", "alpaca_bar_clock"),
	}
}

// AlpacaTimeFrame maps a period onto an Alpaca bar time frame
func AlpacaTimeFrame(period time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case period >= time.Minute && period < time.Hour && period%time.Minute == 0:
		return marketdata.NewTimeFrame(int(period/time.Minute), marketdata.Min), nil
	case period >= time.Hour && period < 24*time.Hour && period%time.Hour == 0:
		return marketdata.NewTimeFrame(int(period/time.Hour), marketdata.Hour), nil
	case period == 24*time.Hour:
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported alpaca bar period: %s", period)
	}
}

func (c *AlpacaClock) Subscribe(ctx context.Context, symbol string, period time.Duration) (<-chan *core.Bar, error) {
	tf, err := AlpacaTimeFrame(period)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, fmt.Errorf("alpaca bar clock already subscribed")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	out := make(chan *core.Bar, 1)

	go c.run(loopCtx, symbol, period, tf, out, c.done)

	c.logger.Info("Polling completed bars", "symbol", symbol, "timeframe", tf.String())
	return out, nil
}

func (c *AlpacaClock) run(ctx context.Context, symbol string, period time.Duration, tf marketdata.TimeFrame, out chan<- *core.Bar, done chan struct{}) {
	defer close(done)
	defer close(out)

	for {
		wake := Boundary(c.now(), period).Add(c.settle)
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		bar, err := c.LatestCompleted(symbol, period, tf)
		if err != nil {
			c.logger.Warn("Failed to find completed bar", "symbol", symbol, "error", err)
			continue
		}

		select {
		case out <- bar:
		case <-ctx.Done():
			return
		}
	}
}

// LatestCompleted returns the most recent bar whose period ended at or before now
func (c *AlpacaClock) LatestCompleted(symbol string, period time.Duration, tf marketdata.TimeFrame) (*core.Bar, error) {
	now := c.now()
	bars, err := c.fetcher.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     now.Add(-4 * period),
		End:       now,
		Feed:      marketdata.Feed(c.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}

	for i := len(bars) - 1; i >= 0; i-- {
		b := bars[i]
		if b.Timestamp.Add(period).After(now) {
			continue
		}
		return &core.Bar{
			Symbol:    symbol,
			OpenTime:  b.Timestamp.UTC(),
			Open:      decimal.NewFromFloat(b.Open),
			High:      decimal.NewFromFloat(b.High),
			Low:       decimal.NewFromFloat(b.Low),
			Close:     decimal.NewFromFloat(b.Close),
			Volume:    decimal.NewFromInt(int64(b.Volume)),
			TimeRight: b.Timestamp.Add(period).UTC(),
		}, nil
	}
	return nil, ErrNoCompletedBar
}

func (c *AlpacaClock) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
