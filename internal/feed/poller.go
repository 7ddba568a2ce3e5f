// Package feed turns periodic position snapshots into lifecycle events
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"trailstop/internal/core"
)

var ErrAlreadySubscribed = errors.New("position feed already subscribed")

// Diff compares two snapshots keyed by position id and returns the events that
// lead from prev to next. Opened and updated events come in id order, closes last.
func Diff(prev, next map[string]*core.Position) []*core.PositionEvent {
	var events []*core.PositionEvent

	ids := make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cur := next[id]
		old, ok := prev[id]
		switch {
		case !ok:
			events = append(events, &core.PositionEvent{Type: core.PositionOpened, Position: cur})
		case old.Side != cur.Side || !old.Quantity.Equal(cur.Quantity):
			events = append(events, &core.PositionEvent{Type: core.PositionUpdated, Position: cur})
		}
	}

	var gone []string
	for id := range prev {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		events = append(events, &core.PositionEvent{Type: core.PositionClosed, Position: prev[id]})
	}

	return events
}

// Poller implements core.IPositionFeed by polling a position source
type Poller struct {
	source   core.IPositionSource
	symbol   string
	interval time.Duration
	logger   core.ILogger

	mu     sync.Mutex
	known  map[string]*core.Position
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a feed that lists positions of symbol every interval
func NewPoller(source core.IPositionSource, symbol string, interval time.Duration, logger core.ILogger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		source:   source,
		symbol:   symbol,
		interval: interval,
		logger:   logger.WithField("component", "position_poller").WithField("symbol", symbol),
	}
}

// Subscribe polls once immediately, then every interval, until ctx ends or Close
func (p *Poller) Subscribe(ctx context.Context) (<-chan *core.PositionEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil, ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	out := make(chan *core.PositionEvent, 64)

	go p.run(ctx, out)
	return out, nil
}

func (p *Poller) run(ctx context.Context, out chan<- *core.PositionEvent) {
	defer close(p.done)
	defer close(out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		events, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Position poll failed", "error", err)
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Poll fetches one snapshot and returns the events since the previous one.
// A failed fetch leaves the known state untouched so nothing is reported closed.
func (p *Poller) Poll(ctx context.Context) ([]*core.PositionEvent, error) {
	positions, err := p.source.ListPositions(ctx, p.symbol)
	if err != nil {
		return nil, err
	}

	next := make(map[string]*core.Position, len(positions))
	for _, pos := range positions {
		if pos == nil || pos.ID == "" {
			continue
		}
		if p.symbol != "" && pos.Symbol != p.symbol {
			continue
		}
		if !pos.Quantity.IsPositive() {
			continue
		}
		next[pos.ID] = pos
	}

	p.mu.Lock()
	events := Diff(p.known, next)
	p.known = next
	p.mu.Unlock()

	for _, ev := range events {
		p.logger.Debug("Position change", "type", ev.Type, "position_id", ev.Position.ID)
	}
	return events, nil
}

// Close stops polling and waits for the loop to exit
func (p *Poller) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
