package exchange

import (
	"context"
	"testing"

	"trailstop/internal/config"
	"trailstop/internal/core"
	"trailstop/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVenue_Paper(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Trailing.Symbol = "BTCUSDT"
	cfg.Paper.Positions = []config.PaperPosition{
		{Side: "long", Quantity: 0.5},
		{ID: "hedge", Side: "short", Quantity: 1},
	}

	venue, err := NewVenue(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, venue.Paper)
	assert.Nil(t, venue.Ping)
	assert.Equal(t, config.ExchangePaper, venue.Gateway.Name())

	positions, err := venue.Gateway.ListPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "hedge", positions[0].ID)
	assert.Equal(t, core.Short, positions[0].Side)
	assert.Equal(t, "paper-1", positions[1].ID)
	assert.Equal(t, "default", positions[1].Account)
}

func TestNewVenue_Binance(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Exchange = config.ExchangeBinance
	cfg.Trailing.Symbol = "BTCUSDT"
	cfg.Exchanges[config.ExchangeBinance] = config.ExchangeConfig{APIKey: "k", SecretKey: "s"}

	venue, err := NewVenue(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "binance", venue.Gateway.Name())
	assert.NotNil(t, venue.Ping)
	assert.Nil(t, venue.Paper)
}

func TestNewVenue_Errors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Exchange = config.ExchangeAlpaca
	_, err := NewVenue(cfg, logging.NewNopLogger())
	assert.Error(t, err, "missing exchange section")

	cfg.App.Exchange = "kraken"
	_, err = NewVenue(cfg, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestBinanceStreamURL(t *testing.T) {
	assert.Equal(t, "wss://custom/ws", binanceStreamURL(&config.ExchangeConfig{StreamURL: "wss://custom/ws", Testnet: true}))
	assert.Contains(t, binanceStreamURL(&config.ExchangeConfig{Testnet: true}), "binancefuture")
	assert.Contains(t, binanceStreamURL(&config.ExchangeConfig{}), "fstream.binance.com")
}
