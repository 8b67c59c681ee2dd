package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"parley/internal/health"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.monitor.LivenessHandler)
	mux.HandleFunc("GET /readyz", a.monitor.ReadinessHandler)
	mux.HandleFunc("GET /debug/health", a.monitor.DebugHandler)
	mux.Handle("GET /metrics", health.MetricsHandler(a.registry))
	mux.Handle("GET /ws", a.gateway)
	mux.Handle("POST /admin/reconcile", a.requireAdmin(http.HandlerFunc(a.handleReconcile)))

	return WithRequestLogging(mux, a.log)
}

// handleReconcile queues an immediate reconciliation cycle. It answers 409
// when a cycle is already queued.
func (a *App) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	queued := a.reconciler.Trigger()
	status := http.StatusAccepted
	if !queued {
		status = http.StatusConflict
	}
	a.log.Info("admin.reconcile.trigger", "queued", queued)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]bool{"queued": queued})
}

func (a *App) requireAdmin(next http.Handler) http.Handler {
	token := a.cfg.Admin.Token
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="parley-admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
