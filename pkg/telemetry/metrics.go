package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricBarsProcessedTotal     = "trailstop_bars_processed_total"
	MetricBarsSkippedTotal       = "trailstop_bars_skipped_total"
	MetricStopsPlacedTotal       = "trailstop_stops_placed_total"
	MetricPlacementFailuresTotal = "trailstop_placement_failures_total"
	MetricForcedClosesTotal      = "trailstop_forced_closes_total"
	MetricCancelErrorsTotal      = "trailstop_cancel_errors_total"
	MetricLatencyGateway         = "trailstop_latency_gateway_ms"
	MetricLatencyCycle           = "trailstop_latency_cycle_ms"
	MetricWatchedPositions       = "trailstop_watched_positions"
	MetricActiveStopPrice        = "trailstop_active_stop_price"
	MetricCircuitBreakerOpen     = "trailstop_circuit_breaker_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	BarsProcessedTotal     metric.Int64Counter
	BarsSkippedTotal       metric.Int64Counter
	StopsPlacedTotal       metric.Int64Counter
	PlacementFailuresTotal metric.Int64Counter
	ForcedClosesTotal      metric.Int64Counter
	CancelErrorsTotal      metric.Int64Counter
	LatencyGateway         metric.Float64Histogram
	LatencyCycle           metric.Float64Histogram
	WatchedPositions       metric.Int64ObservableGauge
	ActiveStopPrice        metric.Float64ObservableGauge
	CircuitBreakerOpen     metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	watchedMap      map[string]int64
	activeStopMap   map[string]float64
	activeSymbolMap map[string]string
	cbOpenMap       map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Until Setup runs the
// instruments are no-ops, so callers never need to nil-check.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			watchedMap:      make(map[string]int64),
			activeStopMap:   make(map[string]float64),
			activeSymbolMap: make(map[string]string),
			cbOpenMap:       make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("noop"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.BarsProcessedTotal, err = meter.Int64Counter(MetricBarsProcessedTotal, metric.WithDescription("Bars that passed validation and drove a reconciliation cycle"))
	if err != nil {
		return err
	}

	m.BarsSkippedTotal, err = meter.Int64Counter(MetricBarsSkippedTotal, metric.WithDescription("Bars rejected as late, duplicate, partial or malformed"))
	if err != nil {
		return err
	}

	m.StopsPlacedTotal, err = meter.Int64Counter(MetricStopsPlacedTotal, metric.WithDescription("Protective stop orders placed"))
	if err != nil {
		return err
	}

	m.PlacementFailuresTotal, err = meter.Int64Counter(MetricPlacementFailuresTotal, metric.WithDescription("Stop placements rejected or unreachable"))
	if err != nil {
		return err
	}

	m.ForcedClosesTotal, err = meter.Int64Counter(MetricForcedClosesTotal, metric.WithDescription("Positions closed by the engine"))
	if err != nil {
		return err
	}

	m.CancelErrorsTotal, err = meter.Int64Counter(MetricCancelErrorsTotal, metric.WithDescription("Swallowed stop cancellation errors"))
	if err != nil {
		return err
	}

	m.LatencyGateway, err = meter.Float64Histogram(MetricLatencyGateway, metric.WithDescription("Latency of order gateway calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyCycle, err = meter.Float64Histogram(MetricLatencyCycle, metric.WithDescription("Duration of one reconciliation cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.WatchedPositions, err = meter.Int64ObservableGauge(MetricWatchedPositions, metric.WithDescription("Positions currently under management"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.watchedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveStopPrice, err = meter.Float64ObservableGauge(MetricActiveStopPrice, metric.WithDescription("Trigger price of the live stop per position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.activeStopMap {
				obs.Observe(val, metric.WithAttributes(
					attribute.String("position_id", id),
					attribute.String("symbol", m.activeSymbolMap[id]),
				))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Gateway circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("gateway", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) RecordBarProcessed(ctx context.Context, symbol string) {
	m.BarsProcessedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordBarSkipped(ctx context.Context, symbol, reason string) {
	m.BarsSkippedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordStopPlaced(ctx context.Context, symbol string) {
	m.StopsPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordPlacementFailure(ctx context.Context, symbol string) {
	m.PlacementFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordForcedClose(ctx context.Context, symbol, reason string) {
	m.ForcedClosesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordCancelError(ctx context.Context, symbol string) {
	m.CancelErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordGatewayCall records the latency and outcome of one gateway operation
func (m *MetricsHolder) RecordGatewayCall(ctx context.Context, gateway, op string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LatencyGateway.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsHolder) RecordCycle(ctx context.Context, symbol string, elapsed time.Duration) {
	m.LatencyCycle.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetWatchedPositions(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchedMap[symbol] = count
}

func (m *MetricsHolder) SetActiveStop(positionID, symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeStopMap[positionID] = price
	m.activeSymbolMap[positionID] = symbol
}

func (m *MetricsHolder) ClearActiveStop(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeStopMap, positionID)
	delete(m.activeSymbolMap, positionID)
}

func (m *MetricsHolder) SetCircuitBreakerOpen(gateway string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[gateway] = val
}

func (m *MetricsHolder) GetWatchedPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.watchedMap))
	for k, v := range m.watchedMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveStops() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.activeStopMap))
	for k, v := range m.activeStopMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetCircuitBreakers() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.cbOpenMap))
	for k, v := range m.cbOpenMap {
		res[k] = v
	}
	return res
}
