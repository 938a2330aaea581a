package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role label values
const (
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
	RoleLeader    = "leader"
)

var roles = []string{RoleFollower, RoleCandidate, RoleLeader}

func (r *Registry) initStateMetrics() {
	r.Term = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "election_term",
			Help: "Current election term of this node",
		},
	)

	r.Role = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "election_role",
			Help: "Node role (1 for current role, 0 otherwise)",
		},
		[]string{"role"},
	)

	r.MembersTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "election_members_total",
			Help: "Number of known cluster members including this node",
		},
	)
}

func (r *Registry) initElectionMetrics() {
	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_elections_total",
			Help: "Elections by result",
		},
		[]string{"result"}, // started, won, lost
	)

	r.ElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "election_duration_seconds",
			Help:    "Time from entering candidacy to winning the election",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)

	r.TimeoutsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_timeouts_total",
			Help: "Scheduler timeouts by role at expiry",
		},
		[]string{"role"},
	)
}

func (r *Registry) initMessageMetrics() {
	r.MessagesReceivedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_messages_received_total",
			Help: "Decoded frames processed by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	r.MessagesSentTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "election_messages_sent_total",
			Help: "Outbound frames by operation and delivery result",
		},
		[]string{"op", "result"}, // ok, failed
	)

	r.DecodeErrorsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "election_decode_errors_total",
			Help: "Inbound frames dropped because they could not be read or decoded",
		},
	)

	r.SendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "election_send_duration_seconds",
			Help:    "Time to dial, write and close one outbound frame",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)
}
