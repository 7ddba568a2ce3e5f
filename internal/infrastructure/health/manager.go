// Package health aggregates component checks into one readiness verdict
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trailstop/internal/core"
)

type check struct {
	fn       func() error
	critical bool
}

// HealthManager aggregates health status from different components.
// Only critical checks decide IsHealthy; the others are reported for diagnosis.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]check

	lastHealthy *bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]check)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a critical health check for a component
func (hm *HealthManager) Register(component string, fn func() error) {
	hm.register(component, fn, true)
}

// RegisterInfo adds a check that is reported but never fails readiness
func (hm *HealthManager) RegisterInfo(component string, fn func() error) {
	hm.register(component, fn, false)
}

func (hm *HealthManager) register(component string, fn func() error, critical bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check{fn: fn, critical: critical}
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, c := range hm.checks {
		if err := c.fn(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all critical components are healthy
func (hm *HealthManager) IsHealthy() bool {
	return len(hm.Failing()) == 0
}

// Failing returns the sorted names of failing critical components
func (hm *HealthManager) Failing() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var failing []string
	for component, c := range hm.checks {
		if !c.critical {
			continue
		}
		if err := c.fn(); err != nil {
			failing = append(failing, component)
		}
	}
	sort.Strings(failing)
	return failing
}

// Watch evaluates the checks every interval and calls onChange whenever the
// verdict flips, and once at start.
func (hm *HealthManager) Watch(ctx context.Context, interval time.Duration, onChange func(healthy bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		hm.evaluate(onChange)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (hm *HealthManager) evaluate(onChange func(healthy bool)) {
	failing := hm.Failing()
	healthy := len(failing) == 0

	hm.mu.Lock()
	changed := hm.lastHealthy == nil || *hm.lastHealthy != healthy
	hm.lastHealthy = &healthy
	hm.mu.Unlock()

	if !changed {
		return
	}
	if hm.logger != nil {
		if healthy {
			hm.logger.Info("All components healthy")
		} else {
			hm.logger.Warn("Components unhealthy", "failing", failing)
		}
	}
	if onChange != nil {
		onChange(healthy)
	}
}

// StaleAfter returns a check failing when last() is older than maxAge
func StaleAfter(name string, maxAge time.Duration, last func() time.Time, now func() time.Time) func() error {
	return func() error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := now().Sub(t); age > maxAge {
			return fmt.Errorf("no %s for %s", name, age.Truncate(time.Second))
		}
		return nil
	}
}
