package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trailstop/internal/core"
	apperrors "trailstop/pkg/errors"
	"trailstop/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ResilienceConfig tunes the policies wrapped around every gateway call
type ResilienceConfig struct {
	CallTimeout      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	RateLimit        float64 // Calls per second, 0 disables
	RateBurst        int
	BreakerFailures  uint
	BreakerExecution uint
	BreakerDelay     time.Duration
}

// DefaultResilienceConfig mirrors the configuration defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CallTimeout:      10 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		RetryMaxBackoff:  2 * time.Second,
		RateLimit:        10,
		RateBurst:        20,
		BreakerFailures:  5,
		BreakerExecution: 10,
		BreakerDelay:     10 * time.Second,
	}
}

// ResilientGateway decorates a gateway with rate limiting, per-attempt
// timeouts, retries of transient failures and a circuit breaker.
type ResilientGateway struct {
	inner     core.IOrderGateway
	positions core.IPositionSource
	cfg       ResilienceConfig
	logger    core.ILogger

	limiter  *rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[any]
	executor failsafe.Executor[any]
	tracer   trace.Tracer
	metrics  *telemetry.MetricsHolder
}

// NewResilientGateway wraps inner. When inner also lists positions the
// decorator exposes that too.
func NewResilientGateway(inner core.IOrderGateway, cfg ResilienceConfig, logger core.ILogger) *ResilientGateway {
	r := &ResilientGateway{
		inner:   inner,
		cfg:     cfg,
		logger:  logger.WithField("component", "resilient_gateway").WithField("gateway", inner.Name()),
		tracer:  telemetry.GetTracer("order-gateway"),
		metrics: telemetry.GetGlobalMetrics(),
	}
	if src, ok := inner.(core.IPositionSource); ok {
		r.positions = src
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	retryBuilder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			r.logger.Warn("Retrying gateway call", "attempt", e.Attempts(), "error", e.LastError())
		})
	if cfg.RetryBackoff > 0 {
		maxBackoff := cfg.RetryMaxBackoff
		if maxBackoff < cfg.RetryBackoff {
			maxBackoff = cfg.RetryBackoff
		}
		retryBuilder = retryBuilder.WithBackoff(cfg.RetryBackoff, maxBackoff)
	}

	failures, executions := cfg.BreakerFailures, cfg.BreakerExecution
	if failures == 0 {
		failures = 1
	}
	if executions < failures {
		executions = failures
	}
	name := inner.Name()
	r.breaker = circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(failures, executions).
		WithDelay(cfg.BreakerDelay).
		OnOpen(func(e circuitbreaker.StateChangedEvent) {
			r.logger.Error("Gateway circuit breaker opened", "previous", e.OldState.String())
			r.metrics.SetCircuitBreakerOpen(name, true)
		}).
		OnHalfOpen(func(circuitbreaker.StateChangedEvent) {
			r.logger.Info("Gateway circuit breaker half-open")
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			r.logger.Info("Gateway circuit breaker closed")
			r.metrics.SetCircuitBreakerOpen(name, false)
		}).
		Build()
	r.metrics.SetCircuitBreakerOpen(name, false)

	// Retries sit outside the breaker so every attempt is counted by it.
	r.executor = failsafe.With[any](retryBuilder.Build(), r.breaker)
	return r
}

// call runs one gateway operation through the policies
func call[T any](ctx context.Context, r *ResilientGateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := r.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(
		attribute.String("gateway", r.inner.Name()),
	))
	defer span.End()

	start := time.Now()
	res, err := r.executor.WithContext(ctx).Get(func() (any, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		attemptCtx := ctx
		if r.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
		}
		return fn(attemptCtx)
	})
	r.metrics.RecordGatewayCall(ctx, r.inner.Name(), op, time.Since(start), err)

	var zero T
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %s circuit open", apperrors.ErrSystemOverload, r.inner.Name())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

func (r *ResilientGateway) Name() string {
	return r.inner.Name()
}

func (r *ResilientGateway) PlaceStopOrder(ctx context.Context, req *core.StopOrderRequest) (*core.Order, error) {
	return call(ctx, r, "place_stop", func(ctx context.Context) (*core.Order, error) {
		return r.inner.PlaceStopOrder(ctx, req)
	})
}

func (r *ResilientGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := call(ctx, r, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (r *ResilientGateway) ClosePosition(ctx context.Context, positionID string) error {
	_, err := call(ctx, r, "close_position", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.ClosePosition(ctx, positionID)
	})
	return err
}

func (r *ResilientGateway) ListOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	return call(ctx, r, "list_orders", func(ctx context.Context) ([]*core.Order, error) {
		return r.inner.ListOpenOrders(ctx, symbol)
	})
}

// ListPositions implements core.IPositionSource when the wrapped gateway does
func (r *ResilientGateway) ListPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	if r.positions == nil {
		return nil, fmt.Errorf("gateway %s does not list positions", r.inner.Name())
	}
	return call(ctx, r, "list_positions", func(ctx context.Context) ([]*core.Position, error) {
		return r.positions.ListPositions(ctx, symbol)
	})
}

// BreakerOpen reports whether calls are currently being short-circuited
func (r *ResilientGateway) BreakerOpen() bool {
	return r.breaker.IsOpen()
}

// HealthCheck fails while the circuit breaker is open
func (r *ResilientGateway) HealthCheck() error {
	if r.breaker.IsOpen() {
		return fmt.Errorf("gateway %s circuit breaker open", r.inner.Name())
	}
	return nil
}
