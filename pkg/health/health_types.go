package health

import (
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one health check
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
}

// CheckFunc performs a health check
type CheckFunc func() Check

// HealthChecker runs registered checks on demand
type HealthChecker struct {
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
	startedAt   time.Time
	mu          sync.RWMutex
}

// Response is the aggregate result served over HTTP
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    float64          `json:"uptime_seconds"`
}

// ElectionStatus is the view of an election node a check needs
type ElectionStatus struct {
	Role        string
	Term        uint8
	Leader      uint8 // 0 when no leader is known for Term
	IsLeader    bool
	Members     int
	Quorum      int
	Reachable   int // members (self included) heard from in the last timeout window
	LastContact time.Duration
}
