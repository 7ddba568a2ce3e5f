package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trailstop/internal/core"
	"trailstop/internal/infrastructure/health"
	"trailstop/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeEvents struct {
	events []*core.StopEvent
	err    error
	limit  int
}

func (f *fakeEvents) Recent(_ context.Context, limit int) ([]*core.StopEvent, error) {
	f.limit = limit
	return f.events, f.err
}

func localAddr(t *testing.T, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return "127.0.0.1:" + port
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealthEndpoint(t *testing.T) {
	hm := health.NewHealthManager(nil)
	s := NewHealthServer("0", logging.NewNopLogger(), hm)
	h := s.Handler()

	rec, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	hm.Register("gateway", func() error { return fmt.Errorf("circuit open") })
	rec, body = get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "Unhealthy: circuit open", body["components"].(map[string]interface{})["gateway"])
}

func TestStatusEndpoint(t *testing.T) {
	s := NewHealthServer("0", logging.NewNopLogger(), nil)
	h := s.Handler()

	rec, _ := get(t, h, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetStatusProvider(func() interface{} {
		return map[string]interface{}{"symbol": "BTCUSDT", "watched_count": 2}
	})
	rec, body := get(t, h, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", body["symbol"])
}

func TestEventsEndpoint(t *testing.T) {
	s := NewHealthServer("0", logging.NewNopLogger(), nil)
	h := s.Handler()

	rec, _ := get(t, h, "/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	src := &fakeEvents{events: []*core.StopEvent{{
		Time:       time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC),
		PositionID: "P1",
		Symbol:     "BTCUSDT",
		Side:       core.Long,
		Kind:       core.EventStopPlaced,
		Price:      decimal.RequireFromString("100.5"),
		OrderID:    "1001",
	}}}
	s.SetEventSource(src)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, src.limit)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "100.5", events[0]["price"])
	assert.Equal(t, "stop_placed", events[0]["kind"])
	_, hasReason := events[0]["reason"]
	assert.False(t, hasReason)

	rec, _ = get(t, h, "/events?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	src.err = errors.New("db locked")
	rec, _ = get(t, h, "/events")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewHealthServer("0", logging.NewNopLogger(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthServer_StartStop(t *testing.T) {
	s := NewHealthServer("0", logging.NewNopLogger(), nil)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + localAddr(t, s.Addr()) + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestGRPCHealthServer(t *testing.T) {
	s := NewGRPCHealthServer("0", logging.NewNopLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := grpc.NewClient(localAddr(t, s.Addr()), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
