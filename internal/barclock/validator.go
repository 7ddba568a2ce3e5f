// Package barclock delivers closed bars and decides whether a bar notification
// is the most recently completed bar for the watched period.
package barclock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trailstop/internal/core"
)

// Bar rejection causes
var (
	ErrNilBar         = errors.New("no bar")
	ErrSymbolMismatch = errors.New("bar symbol does not match")
	ErrMalformedBar   = errors.New("malformed OHLC values")
	ErrIncompleteBar  = errors.New("bar has not closed yet")
	ErrPartialBar     = errors.New("bar does not span one period")
	ErrDuplicateBar   = errors.New("bar already processed or older than the last one")
	ErrStaleBar       = errors.New("bar is not the most recently completed one")
)

// periodTolerance absorbs venues that report close time as end-1ms
const periodTolerance = time.Second

// Validator accepts a bar only when it is the latest completed bar of the period.
// It remembers the last accepted bar so duplicates and late deliveries are dropped.
type Validator struct {
	symbol string
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewValidator creates a validator for symbol and period using the wall clock
func NewValidator(symbol string, period time.Duration) *Validator {
	return &Validator{
		symbol: symbol,
		period: period,
		now:    time.Now,
	}
}

// WithClock replaces the time source
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Check returns nil and records the bar when it qualifies
func (v *Validator) Check(bar *core.Bar) error {
	if bar == nil {
		return ErrNilBar
	}
	if bar.Symbol != v.symbol {
		return fmt.Errorf("%w: got %s, want %s", ErrSymbolMismatch, bar.Symbol, v.symbol)
	}
	if !bar.Low.IsPositive() || !bar.High.IsPositive() || !bar.Open.IsPositive() || !bar.Close.IsPositive() {
		return ErrMalformedBar
	}
	if bar.Low.GreaterThan(bar.High) ||
		bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) ||
		bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
		return fmt.Errorf("%w: o=%s h=%s l=%s c=%s", ErrMalformedBar, bar.Open, bar.High, bar.Low, bar.Close)
	}

	now := v.now()
	if bar.TimeRight.After(now) {
		return fmt.Errorf("%w: closes at %s", ErrIncompleteBar, bar.TimeRight.Format(time.RFC3339))
	}

	span := bar.TimeRight.Sub(bar.OpenTime)
	if diff := span - v.period; diff > periodTolerance || diff < -periodTolerance {
		return fmt.Errorf("%w: spans %s, period %s", ErrPartialBar, span, v.period)
	}

	if now.Sub(bar.TimeRight) >= v.period {
		return fmt.Errorf("%w: closed at %s", ErrStaleBar, bar.TimeRight.Format(time.RFC3339))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.last.IsZero() && !bar.TimeRight.After(v.last) {
		return fmt.Errorf("%w: closed at %s, last %s", ErrDuplicateBar,
			bar.TimeRight.Format(time.RFC3339), v.last.Format(time.RFC3339))
	}
	v.last = bar.TimeRight
	return nil
}

// Last returns the close time of the last accepted bar
func (v *Validator) Last() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Reason maps a rejection to a short metric label
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNilBar):
		return "nil"
	case errors.Is(err, ErrSymbolMismatch):
		return "symbol"
	case errors.Is(err, ErrMalformedBar):
		return "malformed"
	case errors.Is(err, ErrIncompleteBar):
		return "incomplete"
	case errors.Is(err, ErrPartialBar):
		return "partial"
	case errors.Is(err, ErrDuplicateBar):
		return "duplicate"
	case errors.Is(err, ErrStaleBar):
		return "stale"
	default:
		return "unknown"
	}
}
