// Package http provides a JSON webhook client with retries and a circuit breaker
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"trailstop/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Options tunes the resilience policies
type Options struct {
	MaxRetries      int
	Backoff         time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

// DefaultOptions retries three times and opens after 5 failures out of 10
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		Backoff:         100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    10 * time.Second,
	}
}

// Client posts JSON documents through a failsafe pipeline
type Client struct {
	client   *http.Client
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client with the default policies
func NewClient(timeout time.Duration) *Client {
	return NewClientWithOptions(timeout, DefaultOptions())
}

// NewClientWithOptions creates a client with explicit policies
func NewClientWithOptions(timeout time.Duration, opts Options) *Client {
	retryable := func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(opts.Backoff, opts.MaxBackoff).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("webhook-client")
	meter := telemetry.GetMeter("webhook-client")

	reqCounter, _ := meter.Int64Counter("trailstop_webhook_requests_total",
		metric.WithDescription("Total number of webhook deliveries"))
	errCounter, _ := meter.Int64Counter("trailstop_webhook_errors_total",
		metric.WithDescription("Total number of failed webhook deliveries"))
	latencyHist, _ := meter.Float64Histogram("trailstop_webhook_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// PostJSON marshals body and posts it to url, returning the response body
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "POST webhook")
	defer span.End()

	resp, err := c.pipeline.WithContext(ctx).Get(func() (*http.Response, error) {
		// The body reader is consumed per attempt.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode >= 500 {
			// Drain so the connection is reused across retries.
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return resp, err
	})

	c.reqCounter.Add(ctx, 1)
	c.latencyHist.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error", "pipeline_failed")))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 500 {
		// Retries exhausted on a server error; the body was already drained.
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", resp.StatusCode)))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: data}
	}

	return data, nil
}
