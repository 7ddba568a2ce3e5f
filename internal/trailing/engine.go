// Package trailing keeps a protective stop behind every watched position and
// ratchets it toward the market each time a bar closes.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trailstop/internal/alert"
	"trailstop/internal/barclock"
	"trailstop/internal/core"
	"trailstop/pkg/concurrency"
	"trailstop/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSymbolRequired = errors.New("trailing: symbol is required")
	ErrAlreadyRunning = errors.New("trailing: engine already running")
)

// Forced close reasons
const (
	ReasonRetraced        = "retraced"
	ReasonPlacementFailed = "placement_failed"
)

// Config selects what the engine watches
type Config struct {
	Symbol  string
	Period  time.Duration
	BarLag  int
	Account string
}

// Alerter raises operator notifications
type Alerter interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// Dependencies are the collaborators the engine drives. Journal, Alerts and Pool are optional.
type Dependencies struct {
	Clock   core.IBarClock
	Feed    core.IPositionFeed
	Gateway core.IOrderGateway
	Journal core.IStopJournal
	Alerts  Alerter
	Pool    *concurrency.WorkerPool
}

// Status is the read-only diagnostic view of the engine
type Status struct {
	Symbol       string            `json:"symbol"`
	Period       string            `json:"period"`
	BarLag       int               `json:"bar_lag"`
	Gateway      string            `json:"gateway"`
	Running      bool              `json:"running"`
	LastBarTime  *time.Time        `json:"last_bar_time,omitempty"`
	WatchedCount int               `json:"watched_count"`
	Positions    []PositionSummary `json:"positions"`
}

// Engine reconciles the stop of every watched position on each closed bar.
// Bars and position events are processed one at a time; within a bar the
// positions are reconciled in parallel on the worker pool.
type Engine struct {
	cfg       Config
	deps      Dependencies
	registry  *Registry
	planner   StopPlanner
	validator *barclock.Validator
	logger    core.ILogger
	tracer    trace.Tracer
	metrics   *telemetry.MetricsHolder

	// serializes bar cycles and lifecycle events
	cycleMu sync.Mutex

	mu          sync.RWMutex
	running     bool
	lastBarTime time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates an engine. It does not subscribe until Start.
func NewEngine(cfg Config, deps Dependencies, logger core.ILogger) *Engine {
	log := logger.WithField("component", "trailing_engine").WithField("symbol", cfg.Symbol)
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		registry:  NewRegistry(log),
		planner:   StopPlanner{BarLag: cfg.BarLag},
		validator: barclock.NewValidator(cfg.Symbol, cfg.Period),
		logger:    log,
		tracer:    telemetry.GetTracer("trailing-engine"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// WithClock replaces the time source used for bar validation
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.validator.WithClock(now)
	return e
}

// Registry exposes the watched positions
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start subscribes to bars and position events and runs the event loop.
// It refuses to start without a symbol and then subscribes to nothing.
func (e *Engine) Start(ctx context.Context) error {
	if strings.TrimSpace(e.cfg.Symbol) == "" {
		e.logger.Error("Refusing to start trailing engine", "error", ErrSymbolRequired)
		return ErrSymbolRequired
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	e.logger.Info("Starting trailing engine",
		"period", e.cfg.Period,
		"bar_lag", e.cfg.BarLag,
		"gateway", e.deps.Gateway.Name())

	loopCtx, cancel := context.WithCancel(ctx)

	bars, err := e.deps.Clock.Subscribe(loopCtx, e.cfg.Symbol, e.cfg.Period)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to bars: %w", err)
	}

	events, err := e.deps.Feed.Subscribe(loopCtx)
	if err != nil {
		cancel()
		if cerr := e.deps.Clock.Close(); cerr != nil {
			e.logger.Warn("Failed to close bar clock", "error", cerr)
		}
		return fmt.Errorf("failed to subscribe to positions: %w", err)
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(loopCtx, bars, events, e.done)
	return nil
}

// Stop unsubscribes from bars and position events and waits for the loop to exit
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	e.logger.Info("Stopping trailing engine")
	cancel()

	var errs []error
	if err := e.deps.Clock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bar clock: %w", err))
	}
	if err := e.deps.Feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("position feed: %w", err))
	}
	<-done

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	return errors.Join(errs...)
}

// Run starts the engine and blocks until ctx is done or the streams end
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()

	select {
	case <-ctx.Done():
	case <-done:
		e.logger.Warn("Trailing engine loop exited")
	}
	return e.Stop()
}

// Running reports whether the event loop is active
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastBarTime returns the close time of the last processed bar
func (e *Engine) LastBarTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastBarTime
}

// Status returns symbol, period, lag and a summary of watched positions
func (e *Engine) Status() Status {
	e.mu.RLock()
	running, last := e.running, e.lastBarTime
	e.mu.RUnlock()

	positions := e.registry.Summaries()
	st := Status{
		Symbol:       e.cfg.Symbol,
		Period:       e.cfg.Period.String(),
		BarLag:       e.cfg.BarLag,
		Running:      running,
		WatchedCount: len(positions),
		Positions:    positions,
	}
	if e.deps.Gateway != nil {
		st.Gateway = e.deps.Gateway.Name()
	}
	if !last.IsZero() {
		st.LastBarTime = &last
	}
	return st
}

func (e *Engine) loop(ctx context.Context, bars <-chan *core.Bar, events <-chan *core.PositionEvent, done chan struct{}) {
	defer close(done)

	// an in-flight cycle runs to completion after Stop so no position is left half replaced
	work := context.WithoutCancel(ctx)

	for bars != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-bars:
			if !ok {
				e.logger.Warn("Bar stream closed")
				return
			}
			_ = e.OnBar(work, bar)
		case ev, ok := <-events:
			if !ok {
				e.logger.Warn("Position feed closed")
				events = nil
				continue
			}
			e.HandlePositionEvent(work, ev)
		}
	}
}

// OnBar runs one reconciliation cycle. A bar that is not the latest completed one
// is logged and skipped without touching any position; its rejection is returned.
func (e *Engine) OnBar(ctx context.Context, bar *core.Bar) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "OnBar", trace.WithAttributes(attribute.String("symbol", e.cfg.Symbol)))
	defer span.End()

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if err := e.validator.Check(bar); err != nil {
		reason := barclock.Reason(err)
		e.logger.Warn("Failed to find completed bar, skipping cycle", "reason", reason, "error", err)
		e.metrics.RecordBarSkipped(ctx, e.cfg.Symbol, reason)
		span.SetAttributes(attribute.String("skipped", reason))
		return err
	}

	e.mu.Lock()
	e.lastBarTime = bar.TimeRight
	e.mu.Unlock()

	ids := e.registry.IDs()
	span.SetAttributes(
		attribute.String("bar.time_right", bar.TimeRight.Format(time.RFC3339)),
		attribute.Int("positions", len(ids)),
	)
	e.logger.Debug("Bar closed",
		"time_right", bar.TimeRight,
		"low", bar.Low.String(),
		"high", bar.High.String(),
		"close", bar.Close.String(),
		"positions", len(ids))

	tasks := make([]func(), 0, len(ids))
	for _, id := range ids {
		id := id
		tasks = append(tasks, func() { e.reconcile(ctx, id, bar) })
	}
	if e.deps.Pool != nil {
		e.deps.Pool.RunAll(tasks)
	} else {
		for _, task := range tasks {
			task()
		}
	}

	e.metrics.RecordBarProcessed(ctx, e.cfg.Symbol)
	e.metrics.RecordCycle(ctx, e.cfg.Symbol, time.Since(start))
	e.metrics.SetWatchedPositions(e.cfg.Symbol, int64(e.registry.Len()))
	return nil
}

// reconcile advances one position: plan, gate, cancel, place
func (e *Engine) reconcile(ctx context.Context, id string, bar *core.Bar) {
	wp, ok := e.registry.Get(id)
	if !ok {
		return
	}

	ctx, span := e.tracer.Start(ctx, "Reconcile", trace.WithAttributes(
		attribute.String("position_id", wp.ID),
		attribute.String("side", string(wp.Side)),
	))
	defer span.End()

	stop := wp.Advance(e.planner, bar)
	stopF, _ := stop.Float64()
	span.SetAttributes(attribute.Float64("stop", stopF))

	if Breached(wp.Side, stop, bar.Close) {
		e.logger.Warn("Price already retraced through stop, closing position",
			"position_id", wp.ID,
			"side", wp.Side,
			"stop", stop.String(),
			"close", bar.Close.String())
		span.SetAttributes(attribute.String("outcome", ReasonRetraced))
		e.forceClose(ctx, wp, ReasonRetraced, stop)
		return
	}

	if orderID := wp.TakeActiveStop(); orderID != "" {
		e.cancelStop(ctx, wp, orderID)
	}

	req := &core.StopOrderRequest{
		Account:       wp.Account,
		Symbol:        wp.Symbol,
		PositionID:    wp.ID,
		Side:          wp.Side.ExitSide(),
		TriggerPrice:  stop,
		Quantity:      wp.Quantity(),
		TimeInForce:   core.GTC,
		ClientOrderID: NewClientOrderID(wp.ID),
	}

	order, err := e.deps.Gateway.PlaceStopOrder(ctx, req)
	if err == nil && (order == nil || order.ID == "") {
		err = errors.New("gateway returned no order id")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop placement failed")
		e.logger.Error("Failed to place stop order, closing unprotected position",
			"position_id", wp.ID,
			"stop", stop.String(),
			"quantity", req.Quantity.String(),
			"error", err)
		e.metrics.RecordPlacementFailure(ctx, wp.Symbol)
		e.raise(ctx, "Stop placement failed",
			fmt.Sprintf("Position %s could not be protected at %s and is being closed: %v", wp.ID, stop, err),
			alert.Critical, wp)
		e.forceClose(ctx, wp, ReasonPlacementFailed, stop)
		return
	}

	wp.RecordPlaced(order.ID, stop)
	e.logger.Info("Stop placed",
		"position_id", wp.ID,
		"order_id", order.ID,
		"side", req.Side,
		"stop", stop.String(),
		"quantity", req.Quantity.String(),
		"elapsed_bars", wp.ElapsedBars())
	e.metrics.RecordStopPlaced(ctx, wp.Symbol)
	e.metrics.SetActiveStop(wp.ID, wp.Symbol, stopF)
	e.record(ctx, wp, core.EventStopPlaced, stop, order.ID, "")
}

// forceClose closes the position at the gateway and stops watching it.
// When the close fails the position stays watched with its resting stop, if
// any, so the next bar retries instead of leaving it unprotected.
func (e *Engine) forceClose(ctx context.Context, wp *WatchedPosition, reason string, stop decimal.Decimal) {
	if err := e.deps.Gateway.ClosePosition(ctx, wp.ID); err != nil {
		e.logger.Error("Failed to close position, keeping it watched",
			"position_id", wp.ID,
			"reason", reason,
			"active_stop", wp.ActiveStopOrderID(),
			"error", err)
		e.raise(ctx, "Position close failed",
			fmt.Sprintf("Position %s could not be closed after %s and stays watched: %v", wp.ID, reason, err),
			alert.Critical, wp)
		return
	}

	e.registry.Remove(wp.ID)
	if orderID := wp.TakeActiveStop(); orderID != "" {
		e.cancelStop(ctx, wp, orderID)
	}
	if reason == ReasonPlacementFailed {
		e.sweepStrayStops(ctx, wp)
	}

	e.metrics.ClearActiveStop(wp.ID)
	e.metrics.RecordForcedClose(ctx, wp.Symbol, reason)
	e.record(ctx, wp, core.EventForcedClose, stop, "", reason)
}

// sweepStrayStops cancels stops tagged with the position id that the engine
// never recorded, e.g. a placement the venue accepted before the call timed out.
func (e *Engine) sweepStrayStops(ctx context.Context, wp *WatchedPosition) {
	orders, err := e.deps.Gateway.ListOpenOrders(ctx, wp.Symbol)
	if err != nil {
		e.logger.Info("Skipping stray stop sweep", "position_id", wp.ID, "error", err)
		return
	}
	for _, o := range orders {
		if o != nil && IsClientOrderIDFor(o.ClientOrderID, wp.ID) {
			e.logger.Warn("Cancelling untracked stop", "position_id", wp.ID, "order_id", o.ID)
			e.cancelStop(ctx, wp, o.ID)
		}
	}
}

// cancelStop cancels a stop on a best-effort basis; failures are logged and dropped
func (e *Engine) cancelStop(ctx context.Context, wp *WatchedPosition, orderID string) {
	err := e.deps.Gateway.CancelOrder(ctx, wp.Symbol, orderID)
	switch {
	case err == nil:
		e.record(ctx, wp, core.EventStopCancelled, decimal.Zero, orderID, "")
	case isOrderGone(err):
		e.logger.Debug("Stop already inactive", "position_id", wp.ID, "order_id", orderID)
	default:
		e.logger.Info("Ignoring stop cancellation failure", "position_id", wp.ID, "order_id", orderID, "error", err)
		e.metrics.RecordCancelError(ctx, wp.Symbol)
	}
}

// CancelAllStops cancels the live stop of every watched position.
// Used on shutdown when stops must not outlive the process.
func (e *Engine) CancelAllStops(ctx context.Context) int {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	n := 0
	for _, wp := range e.registry.All() {
		if orderID := wp.TakeActiveStop(); orderID != "" {
			e.cancelStop(ctx, wp, orderID)
			e.metrics.ClearActiveStop(wp.ID)
			n++
		}
	}
	e.logger.Info("Cancelled active stops", "count", n)
	return n
}

func (e *Engine) record(ctx context.Context, wp *WatchedPosition, kind core.StopEventKind, price decimal.Decimal, orderID, reason string) {
	if e.deps.Journal == nil {
		return
	}
	ev := &core.StopEvent{
		Time:       time.Now(),
		PositionID: wp.ID,
		Symbol:     wp.Symbol,
		Side:       wp.Side,
		Kind:       kind,
		Price:      price,
		OrderID:    orderID,
		Reason:     reason,
	}
	if err := e.deps.Journal.Record(ctx, ev); err != nil {
		e.logger.Warn("Failed to journal stop event", "kind", kind, "position_id", wp.ID, "error", err)
	}
}

func (e *Engine) raise(ctx context.Context, title, message string, level alert.AlertLevel, wp *WatchedPosition) {
	if e.deps.Alerts == nil {
		return
	}
	e.deps.Alerts.Alert(ctx, title, message, level, map[string]string{
		"position_id": wp.ID,
		"symbol":      wp.Symbol,
		"side":        string(wp.Side),
		"gateway":     e.deps.Gateway.Name(),
	})
}

const clientOrderSuffixLen = 12

// NewClientOrderID tags a stop with its position id. The result fits the
// 36 character limit most venues put on client order ids.
func NewClientOrderID(positionID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:clientOrderSuffixLen]
	return clientOrderPrefix(positionID) + suffix
}

// IsClientOrderIDFor reports whether id was built by NewClientOrderID for positionID
func IsClientOrderIDFor(id, positionID string) bool {
	prefix := clientOrderPrefix(positionID)
	return len(id) == len(prefix)+clientOrderSuffixLen && strings.HasPrefix(id, prefix)
}

func clientOrderPrefix(positionID string) string {
	tag := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, positionID)
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return "ts_" + tag + "_"
}
