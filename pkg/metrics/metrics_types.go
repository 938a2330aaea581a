package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the metrics exported by an election node
type Registry struct {
	// State
	Term         prometheus.Gauge
	Role         *prometheus.GaugeVec
	MembersTotal prometheus.Gauge

	// Elections
	ElectionsTotal   *prometheus.CounterVec
	ElectionDuration prometheus.Histogram
	TimeoutsTotal    *prometheus.CounterVec

	// Messages
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	DecodeErrorsTotal     prometheus.Counter
	SendDuration          prometheus.Histogram

	registry *prometheus.Registry
	mu       sync.Mutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every election metric initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initStateMetrics()
	r.initElectionMetrics()
	r.initMessageMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
