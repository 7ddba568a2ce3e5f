package barclock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trailstop/pkg/logging"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const closedKline = `{"e":"kline","E":1714550400100,"s":"BTCUSDT","k":{"t":1714536000000,"T":1714550399999,"s":"BTCUSDT","i":"4h","f":1,"L":2,"o":"60100.5","c":"60500.0","h":"60900.1","l":"59800.2","v":"1234.5","n":10,"x":true,"q":"0","V":"0","Q":"0"}}`

const openKline = `{"e":"kline","E":1714540000000,"s":"BTCUSDT","k":{"t":1714536000000,"T":1714550399999,"s":"BTCUSDT","i":"4h","o":"60100.5","c":"60300.0","h":"60400.0","l":"59900.0","v":"12.5","x":false}}`

func TestParseBinanceKline(t *testing.T) {
	bar, ok, err := ParseBinanceKline([]byte(closedKline))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "BTCUSDT", bar.Symbol)
	assert.Equal(t, "59800.2", bar.Low.String())
	assert.Equal(t, "60900.1", bar.High.String())
	assert.Equal(t, time.UnixMilli(1714536000000).UTC(), bar.OpenTime)
	assert.Equal(t, time.UnixMilli(1714550400000).UTC(), bar.TimeRight)
	assert.Equal(t, 4*time.Hour, bar.TimeRight.Sub(bar.OpenTime))

	_, ok, err = ParseBinanceKline([]byte(openKline))
	require.NoError(t, err)
	assert.False(t, ok, "open klines are not bars")

	_, _, err = ParseBinanceKline([]byte(`{"e":"kline","k":{"x":true,"o":"abc"}}`))
	assert.Error(t, err)
}

func TestBinanceClock_EmitsClosedKlines(t *testing.T) {
	paths := make(chan string, 1)
	upgrader := gorilla.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(openKline))
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(closedKline))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	clock := NewBinanceClock("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bars, err := clock.Subscribe(ctx, "BTCUSDT", 4*time.Hour)
	require.NoError(t, err)

	select {
	case p := <-paths:
		assert.Equal(t, "/ws/btcusdt@kline_4h", p)
	case <-time.After(2 * time.Second):
		t.Fatal("clock did not connect")
	}

	select {
	case b := <-bars:
		require.NotNil(t, b)
		assert.Equal(t, "60500", b.Close.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no bar emitted")
	}

	require.NoError(t, clock.Close())
	_, open := <-bars
	assert.False(t, open, "channel is closed after Close")
}

func TestBinanceClock_RejectsUnsupportedPeriod(t *testing.T) {
	clock := NewBinanceClock("", logging.NewNopLogger())
	_, err := clock.Subscribe(context.Background(), "BTCUSDT", 7*time.Minute)
	assert.Error(t, err)
}
