package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetState records the node's term and role
func (r *Registry) SetState(term uint8, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Term.Set(float64(term))
	for _, name := range roles {
		r.Role.WithLabelValues(name).Set(0)
	}
	r.Role.WithLabelValues(role).Set(1)
}

// SetMembers records the membership size
func (r *Registry) SetMembers(n int) {
	r.MembersTotal.Set(float64(n))
}

// RecordElectionStarted counts a new candidacy
func (r *Registry) RecordElectionStarted() {
	r.ElectionsTotal.WithLabelValues("started").Inc()
}

// RecordElectionWon counts a won election and how long it took
func (r *Registry) RecordElectionWon(duration time.Duration) {
	r.ElectionsTotal.WithLabelValues("won").Inc()
	r.ElectionDuration.Observe(duration.Seconds())
}

// RecordElectionLost counts a candidacy abandoned for another leader or term
func (r *Registry) RecordElectionLost() {
	r.ElectionsTotal.WithLabelValues("lost").Inc()
}

// RecordTimeout counts a scheduler expiry in the given role
func (r *Registry) RecordTimeout(role string) {
	r.TimeoutsTotal.WithLabelValues(role).Inc()
}

// RecordReceived counts a processed inbound frame
func (r *Registry) RecordReceived(op, outcome string) {
	r.MessagesReceivedTotal.WithLabelValues(op, outcome).Inc()
}

// RecordDecodeError counts a dropped inbound frame
func (r *Registry) RecordDecodeError() {
	r.DecodeErrorsTotal.Inc()
}

// RecordSend counts an outbound frame and its latency
func (r *Registry) RecordSend(op string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.MessagesSentTotal.WithLabelValues(op, result).Inc()
	r.SendDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
