// Package exchange builds the order gateway and bar clock for the configured venue
package exchange

import (
	"context"
	"fmt"
	"strings"

	"trailstop/internal/barclock"
	"trailstop/internal/config"
	"trailstop/internal/core"
	"trailstop/internal/exchange/alpaca"
	"trailstop/internal/exchange/binance"
	"trailstop/internal/mock"

	"github.com/shopspring/decimal"
)

// Venue bundles the collaborators one exchange provides
type Venue struct {
	Gateway *ResilientGateway
	Clock   core.IBarClock
	// Paper is set when the venue is the in-memory paper exchange
	Paper *mock.MockExchange
	// Ping checks the upstream API, nil when there is none
	Ping func(ctx context.Context) error
}

// NewVenue creates the gateway and bar clock for cfg.App.Exchange
func NewVenue(cfg *config.Config, logger core.ILogger) (*Venue, error) {
	resilience := ResilienceFromConfig(cfg.Gateway)

	switch strings.ToLower(cfg.App.Exchange) {
	case config.ExchangeBinance:
		ex, err := cfg.GetExchangeConfig()
		if err != nil {
			return nil, err
		}
		gw := binance.NewGateway(binance.Options{
			APIKey:    ex.APIKey.Reveal(),
			SecretKey: ex.SecretKey.Reveal(),
			BaseURL:   ex.BaseURL,
			Testnet:   ex.Testnet,
		}, logger)
		return &Venue{
			Gateway: NewResilientGateway(gw, resilience, logger),
			Clock:   barclock.NewBinanceClock(binanceStreamURL(ex), logger),
			Ping:    gw.CheckHealth,
		}, nil

	case config.ExchangeAlpaca:
		ex, err := cfg.GetExchangeConfig()
		if err != nil {
			return nil, err
		}
		gw := alpaca.NewGateway(alpaca.Options{
			APIKey:    ex.APIKey.Reveal(),
			APISecret: ex.SecretKey.Reveal(),
			BaseURL:   ex.BaseURL,
		}, logger)
		return &Venue{
			Gateway: NewResilientGateway(gw, resilience, logger),
			Clock:   barclock.NewAlpacaClock(ex.APIKey.Reveal(), ex.SecretKey.Reveal(), ex.DataURL, ex.Feed, logger),
			Ping:    gw.CheckHealth,
		}, nil

	case config.ExchangePaper:
		paper := NewPaperExchange(cfg)
		streamURL := barclock.BinanceFuturesStreamURL
		if ex, ok := cfg.Exchanges[config.ExchangeBinance]; ok {
			streamURL = binanceStreamURL(&ex)
		}
		// Paper fills never fail transiently, so no retries or rate limit.
		resilience.MaxRetries = 0
		resilience.RateLimit = 0
		return &Venue{
			Gateway: NewResilientGateway(paper, resilience, logger),
			Clock:   mock.NewFillingClock(barclock.NewBinanceClock(streamURL, logger), paper, logger),
			Paper:   paper,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.App.Exchange)
	}
}

// NewPaperExchange creates the paper exchange seeded with the configured positions
func NewPaperExchange(cfg *config.Config) *mock.MockExchange {
	paper := mock.NewMockExchange(config.ExchangePaper)
	for i, p := range cfg.Paper.Positions {
		side, err := core.ParsePositionSide(p.Side)
		if err != nil {
			continue
		}
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("paper-%d", i+1)
		}
		paper.SetPosition(&core.Position{
			ID:       id,
			Symbol:   cfg.Trailing.Symbol,
			Account:  cfg.Trailing.Account,
			Side:     side,
			Quantity: decimal.NewFromFloat(p.Quantity),
		})
	}
	return paper
}

// ResilienceFromConfig maps the gateway section onto the decorator settings
func ResilienceFromConfig(g config.GatewayConfig) ResilienceConfig {
	return ResilienceConfig{
		CallTimeout:      g.CallTimeout,
		MaxRetries:       g.MaxRetries,
		RetryBackoff:     g.RetryBackoff,
		RetryMaxBackoff:  g.RetryMaxBackoff,
		RateLimit:        g.RateLimit,
		RateBurst:        g.RateBurst,
		BreakerFailures:  g.BreakerFailures,
		BreakerExecution: g.BreakerExecution,
		BreakerDelay:     g.BreakerDelay,
	}
}

func binanceStreamURL(ex *config.ExchangeConfig) string {
	switch {
	case ex.StreamURL != "":
		return ex.StreamURL
	case ex.Testnet:
		return barclock.BinanceTestnetStreamURL
	default:
		return barclock.BinanceFuturesStreamURL
	}
}
