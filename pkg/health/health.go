package health

import (
	"time"
)

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		startedAt:   time.Now(),
	}
}

// RegisterCheck registers a liveness check. A check registered under an
// existing name replaces it.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// Check runs every liveness check
func (hc *HealthChecker) Check() Response {
	return hc.run(hc.snapshot(hc.checks))
}

// CheckReadiness runs every readiness check
func (hc *HealthChecker) CheckReadiness() Response {
	return hc.run(hc.snapshot(hc.readyChecks))
}

// snapshot copies a check map so checks run without holding hc.mu; election
// checks take the node's own lock.
func (hc *HealthChecker) snapshot(checks map[string]CheckFunc) map[string]CheckFunc {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]CheckFunc, len(checks))
	for name, fn := range checks {
		out[name] = fn
	}
	return out
}

func (hc *HealthChecker) run(checks map[string]CheckFunc) Response {
	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    time.Since(hc.startedAt).Seconds(),
	}

	for name, fn := range checks {
		start := time.Now()
		check := fn()
		check.Duration = time.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}

		response.Checks[name] = check
		response.Status = worse(response.Status, check.Status)
	}

	return response
}

// worse returns the more severe of two statuses
func worse(a, b Status) Status {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
