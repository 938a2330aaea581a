package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the liveness checks. Degraded still answers 200: a node
// in the middle of an election is alive.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check()
		writeResponse(w, response, response.Status != StatusUnhealthy)
	}
}

// ReadinessHandler serves the readiness checks; only healthy is ready
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.CheckReadiness()
		writeResponse(w, response, response.Status == StatusHealthy)
	}
}

func writeResponse(w http.ResponseWriter, response Response, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
