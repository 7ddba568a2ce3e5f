package barclock

import (
	"fmt"
	"time"
)

var binanceIntervals = map[time.Duration]string{
	time.Minute:        "1m",
	3 * time.Minute:    "3m",
	5 * time.Minute:    "5m",
	15 * time.Minute:   "15m",
	30 * time.Minute:   "30m",
	time.Hour:          "1h",
	2 * time.Hour:      "2h",
	4 * time.Hour:      "4h",
	6 * time.Hour:      "6h",
	8 * time.Hour:      "8h",
	12 * time.Hour:     "12h",
	24 * time.Hour:     "1d",
	3 * 24 * time.Hour: "3d",
	7 * 24 * time.Hour: "1w",
}

// BinanceInterval returns the kline interval code for period
func BinanceInterval(period time.Duration) (string, error) {
	if code, ok := binanceIntervals[period]; ok {
		return code, nil
	}
	return "", fmt.Errorf("unsupported binance kline period: %s", period)
}

// Boundary returns the first period boundary strictly after t, aligned to the unix epoch
func Boundary(t time.Time, period time.Duration) time.Time {
	return t.Truncate(period).Add(period)
}
