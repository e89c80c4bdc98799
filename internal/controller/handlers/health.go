package handlers

import (
	"net/http"
	"time"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Readyz is a readiness probe. The catalog database is always checked,
// followed by every configured dependency.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]ReadinessCheck{{Name: "database", Check: h.Catalog.Ping}}, h.Checks...)

	results := make([]checkResult, 0, len(checks))
	ready := true
	for _, c := range checks {
		start := time.Now()
		res := checkResult{Name: c.Name, Status: "ok"}
		if err := c.Check(r.Context()); err != nil {
			ready = false
			res.Status = "fail"
			res.Error = err.Error()
		}
		res.DurationMs = time.Since(start).Milliseconds()
		results = append(results, res)
	}

	if !ready {
		h.respondJson(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": results})
		return
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "checks": results})
}
