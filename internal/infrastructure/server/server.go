// Package server exposes the operator endpoints: health, status, journal and metrics
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"trailstop/internal/core"
	"trailstop/pkg/telemetry"
)

// EventSource lists recent journal entries
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]*core.StopEvent, error)
}

type HealthServer struct {
	port   string
	logger core.ILogger
	srv    *http.Server
	ln     net.Listener
	hm     core.IHealthMonitor

	mu     sync.RWMutex
	status func() interface{}
	events EventSource
}

func NewHealthServer(port string, logger core.ILogger, hm core.IHealthMonitor) *HealthServer {
	return &HealthServer{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		hm:     hm,
	}
}

// SetStatusProvider installs the function rendered by /status
func (s *HealthServer) SetStatusProvider(fn func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// SetEventSource installs the journal served by /events
func (s *HealthServer) SetEventSource(src EventSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = src
}

// Handler returns the route table
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Start binds the port and serves in the background
func (s *HealthServer) Start() error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting health server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *HealthServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *HealthServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"watched_positions": metrics.GetWatchedPositions(),
			"active_stops":      metrics.GetActiveStops(),
			"circuit_breakers":  metrics.GetCircuitBreakers(),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()

	if fn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not started"})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

func (s *HealthServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	src := s.events
	s.mu.RUnlock()

	if src == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	events, err := src.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("Failed to read journal", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, newEventView(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

type eventView struct {
	Time       time.Time `json:"time"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Kind       string    `json:"kind"`
	Price      string    `json:"price,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func newEventView(ev *core.StopEvent) eventView {
	v := eventView{
		Time:       ev.Time,
		PositionID: ev.PositionID,
		Symbol:     ev.Symbol,
		Side:       string(ev.Side),
		Kind:       string(ev.Kind),
		OrderID:    ev.OrderID,
		Reason:     ev.Reason,
	}
	if !ev.Price.IsZero() {
		v.Price = ev.Price.String()
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
