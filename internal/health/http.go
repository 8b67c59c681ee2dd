package health

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LivenessHandler answers 200 while the process is serving.
func (m *Monitor) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]Status{"status": StatusHealthy})
}

// ReadinessHandler answers 200 iff IsHealthy, 503 otherwise.
func (m *Monitor) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if m.IsHealthy(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]Status{"status": StatusHealthy})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]Status{"status": StatusUnhealthy})
}

// DebugHandler serves the full snapshot. It always answers 200 so the body
// is readable while the service is unhealthy.
func (m *Monitor) DebugHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.GetMetrics(r.Context()))
}

// MetricsHandler serves the prometheus exposition of g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
