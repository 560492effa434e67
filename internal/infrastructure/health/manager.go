package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"signal_trader/internal/core"
)

const checkTimeout = 3 * time.Second

// Check probes one component; a nil error means healthy
type Check func(ctx context.Context) error

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]Check)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check Check) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus runs every check and returns the status of each component
func (hm *HealthManager) GetStatus(ctx context.Context) map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, check := range hm.checks {
		if err := hm.run(ctx, check); err != nil {
			status[component] = "Unhealthy: " + err.Error()
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", component, "error", err)
			}
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := hm.run(ctx, check); err != nil {
			return false
		}
	}
	return true
}

func (hm *HealthManager) run(ctx context.Context, check Check) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return check(ctx)
}

type response struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Unhealthy  []string          `json:"unhealthy,omitempty"`
}

// ServeHTTP answers 200 when every component is healthy and 503 otherwise
func (hm *HealthManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := hm.GetStatus(r.Context())

	resp := response{Status: "ok", Components: status}
	for component, s := range status {
		if s != "Healthy" {
			resp.Unhealthy = append(resp.Unhealthy, component)
		}
	}
	code := http.StatusOK
	if len(resp.Unhealthy) > 0 {
		sort.Strings(resp.Unhealthy)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
