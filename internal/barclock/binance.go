package barclock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"trailstop/internal/core"
	"trailstop/pkg/websocket"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	BinanceFuturesStreamURL = "wss://fstream.binance.com/ws"
	BinanceTestnetStreamURL = "wss://stream.binancefuture.com/ws"
)

// BinanceClock emits closed USDⓈ-M futures klines from the public kline stream
type BinanceClock struct {
	streamURL string
	logger    core.ILogger

	mu     sync.Mutex
	client *websocket.Client
	out    chan *core.Bar
	closed bool
}

// NewBinanceClock creates a clock on streamURL, or the production stream when empty
func NewBinanceClock(streamURL string, logger core.ILogger) *BinanceClock {
	if streamURL == "" {
		streamURL = BinanceFuturesStreamURL
	}
	return &BinanceClock{
		streamURL: strings.TrimRight(streamURL, "/"),
		logger:    logger.WithField("component", "binance_bar_clock"),
	}
}

func (c *BinanceClock) Subscribe(ctx context.Context, symbol string, period time.Duration) (<-chan *core.Bar, error) {
	interval, err := BinanceInterval(period)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil, fmt.Errorf("binance bar clock already subscribed")
	}

	url := fmt.Sprintf("%s/%s@kline_%s", c.streamURL, strings.ToLower(symbol), interval)
	c.out = make(chan *core.Bar, 4)
	c.closed = false
	c.client = websocket.NewClient(url, c.handle, c.logger)
	c.client.Start()

	c.logger.Info("Subscribed to kline stream", "symbol", symbol, "interval", interval)

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return c.out, nil
}

func (c *BinanceClock) handle(message []byte) {
	bar, ok, err := ParseBinanceKline(message)
	if err != nil {
		c.logger.Warn("Failed to parse kline", "error", err)
		return
	}
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- bar:
	default:
		c.logger.Warn("Bar consumer is behind, dropping bar", "time_right", bar.TimeRight)
	}
}

func (c *BinanceClock) Close() error {
	c.mu.Lock()
	client := c.client
	if !c.closed && c.out != nil {
		c.closed = true
		close(c.out)
	}
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	return nil
}

// ParseBinanceKline decodes a kline stream message. ok is false for anything
// other than a closed kline.
func ParseBinanceKline(message []byte) (bar *core.Bar, ok bool, err error) {
	var ev futures.WsKlineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return nil, false, fmt.Errorf("decode kline: %w", err)
	}
	if ev.Event != "kline" || !ev.Kline.IsFinal {
		return nil, false, nil
	}

	k := ev.Kline
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	values := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		if values[i], err = decimal.NewFromString(f); err != nil {
			return nil, false, fmt.Errorf("decode kline value %q: %w", f, err)
		}
	}

	symbol := k.Symbol
	if symbol == "" {
		symbol = ev.Symbol
	}

	return &core.Bar{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(k.StartTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		TimeRight: time.UnixMilli(k.EndTime + 1).UTC(),
	}, true, nil
}
