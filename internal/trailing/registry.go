package trailing

import (
	"sort"
	"sync"
	"time"

	"trailstop/internal/core"

	"github.com/shopspring/decimal"
)

// WatchedPosition is the trailing state of one open position under management.
// Side, symbol and account are fixed at watch start; quantity follows position updates.
type WatchedPosition struct {
	ID      string
	Symbol  string
	Account string
	Side    core.PositionSide

	mu                sync.Mutex
	quantity          decimal.Decimal
	lagBuffer         []decimal.Decimal
	lastStop          decimal.Decimal
	hasLastStop       bool
	activeStopOrderID string
	elapsedBars       int
	startedAt         time.Time
}

// NewWatchedPosition builds the trailing state for pos. An empty account falls back to defaultAccount.
func NewWatchedPosition(pos *core.Position, defaultAccount string) *WatchedPosition {
	account := pos.Account
	if account == "" {
		account = defaultAccount
	}
	return &WatchedPosition{
		ID:        pos.ID,
		Symbol:    pos.Symbol,
		Account:   account,
		Side:      pos.Side,
		quantity:  pos.Quantity.Abs(),
		startedAt: time.Now(),
	}
}

// Quantity returns the current position size
func (w *WatchedPosition) Quantity() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quantity
}

// SetQuantity refreshes the size after a partial fill or scale-in
func (w *WatchedPosition) SetQuantity(q decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.quantity = q.Abs()
}

// ActiveStopOrderID returns the id of the live protective stop, or ""
func (w *WatchedPosition) ActiveStopOrderID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeStopOrderID
}

// TakeActiveStop returns the live stop id and clears it
func (w *WatchedPosition) TakeActiveStop() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.activeStopOrderID
	w.activeStopOrderID = ""
	return id
}

// LastStop returns the last placed or adopted stop price
func (w *WatchedPosition) LastStop() (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStop, w.hasLastStop
}

// LagBuffer returns a copy of the queued candidates, oldest first
func (w *WatchedPosition) LagBuffer() []decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]decimal.Decimal(nil), w.lagBuffer...)
}

// ElapsedBars returns the number of bars processed since watch start
func (w *WatchedPosition) ElapsedBars() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.elapsedBars
}

// Advance runs the planner on bar and returns the stop due this bar
func (w *WatchedPosition) Advance(p StopPlanner, bar *core.Bar) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()

	var last *decimal.Decimal
	if w.hasLastStop {
		l := w.lastStop
		last = &l
	}
	buf, stop := p.Next(w.Side, w.lagBuffer, last, bar)
	w.lagBuffer = buf
	w.elapsedBars++
	return stop
}

// RecordPlaced stores a successfully placed stop
func (w *WatchedPosition) RecordPlaced(orderID string, price decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeStopOrderID = orderID
	w.lastStop = price
	w.hasLastStop = true
}

// Adopt takes over an existing stop order: its price seeds the lag buffer and
// its id is cancelled on the first replacement.
func (w *WatchedPosition) Adopt(p StopPlanner, orderID string, price decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lagBuffer = p.Seed(w.lagBuffer, price)
	w.activeStopOrderID = orderID
	w.lastStop = price
	w.hasLastStop = true
}

// PositionSummary is a read-only view for diagnostics
type PositionSummary struct {
	ID                string            `json:"id"`
	Symbol            string            `json:"symbol"`
	Account           string            `json:"account"`
	Side              core.PositionSide `json:"side"`
	Quantity          decimal.Decimal   `json:"quantity"`
	ActiveStopOrderID string            `json:"active_stop_order_id,omitempty"`
	LastStop          *decimal.Decimal  `json:"last_stop,omitempty"`
	LagBuffer         []decimal.Decimal `json:"lag_buffer"`
	ElapsedBars       int               `json:"elapsed_bars"`
	WatchingSince     time.Time         `json:"watching_since"`
}

// Summary returns a consistent copy of the position state
func (w *WatchedPosition) Summary() PositionSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := PositionSummary{
		ID:                w.ID,
		Symbol:            w.Symbol,
		Account:           w.Account,
		Side:              w.Side,
		Quantity:          w.quantity,
		ActiveStopOrderID: w.activeStopOrderID,
		LagBuffer:         append([]decimal.Decimal{}, w.lagBuffer...),
		ElapsedBars:       w.elapsedBars,
		WatchingSince:     w.startedAt,
	}
	if w.hasLastStop {
		l := w.lastStop
		s.LastStop = &l
	}
	return s
}

// Registry is the set of watched positions keyed by position id.
// It only does bookkeeping; it never talks to a gateway.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*WatchedPosition
	logger    core.ILogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		positions: make(map[string]*WatchedPosition),
		logger:    logger.WithField("component", "position_registry"),
	}
}

// Add inserts wp. A second add for the same id is ignored and reported as false.
func (r *Registry) Add(wp *WatchedPosition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.positions[wp.ID]; exists {
		r.logger.Info("Position already watched, ignoring duplicate", "position_id", wp.ID)
		return false
	}
	r.positions[wp.ID] = wp
	r.logger.Info("Watching position",
		"position_id", wp.ID,
		"symbol", wp.Symbol,
		"side", wp.Side,
		"quantity", wp.Quantity().String())
	return true
}

// Remove deletes and returns the entry for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (*WatchedPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wp, ok := r.positions[id]
	if !ok {
		return nil, false
	}
	delete(r.positions, id)
	r.logger.Info("Stopped watching position", "position_id", id)
	return wp, true
}

// Get returns the entry for id
func (r *Registry) Get(id string) (*WatchedPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wp, ok := r.positions[id]
	return wp, ok
}

// All returns a snapshot of the entries ordered by id
func (r *Registry) All() []*WatchedPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*WatchedPosition, 0, len(r.positions))
	for _, wp := range r.positions {
		out = append(out, wp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns a sorted snapshot of the watched ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.positions))
	for id := range r.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of watched positions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// OwnsOrder reports whether orderID is the live stop of any watched position
func (r *Registry) OwnsOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	for _, wp := range r.All() {
		if wp.ActiveStopOrderID() == orderID {
			return true
		}
	}
	return false
}

// Summaries returns read-only copies of every entry ordered by id
func (r *Registry) Summaries() []PositionSummary {
	all := r.All()
	out := make([]PositionSummary, 0, len(all))
	for _, wp := range all {
		out = append(out, wp.Summary())
	}
	return out
}
