package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthCheck reports service liveness and run store reachability
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    map[string]string{},
	}

	if h.store != nil {
		if err := h.store.Health(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks["run_store"] = err.Error()
		} else {
			resp.Checks["run_store"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
