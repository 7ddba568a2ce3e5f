// Package alert fans operator notifications out to chat channels
package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"trailstop/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// SortedFieldKeys returns the field names in a stable order for rendering
func (p AlertPayload) SortedFieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager delivers every alert to every channel in the background.
// Repeats of the same title and message inside the throttle window are dropped,
// except for Critical alerts.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex

	throttle time.Duration
	sent     map[string]time.Time
	sentMu   sync.Mutex
	now      func() time.Time

	inflight sync.WaitGroup
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		sent:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithThrottle sets the window in which identical alerts are suppressed
func (am *AlertManager) WithThrottle(d time.Duration) *AlertManager {
	am.throttle = d
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// ChannelCount returns the number of configured channels
func (am *AlertManager) ChannelCount() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	if am.suppressed(title, message, level) {
		am.logger.Debug("Alert throttled", "title", title)
		return
	}

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: am.now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	// Delivery outlives the caller's context so shutdown alerts still go out.
	base := context.WithoutCancel(ctx)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			timeoutCtx, cancel := context.WithTimeout(base, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until queued deliveries finish or ctx ends
func (am *AlertManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (am *AlertManager) suppressed(title, message string, level AlertLevel) bool {
	if am.throttle <= 0 || level == Critical {
		return false
	}
	key := string(level) + "|" + title + "|" + message
	now := am.now()

	am.sentMu.Lock()
	defer am.sentMu.Unlock()
	if last, ok := am.sent[key]; ok && now.Sub(last) < am.throttle {
		return true
	}
	am.sent[key] = now
	return false
}
