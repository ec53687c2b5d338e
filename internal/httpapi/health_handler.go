package httpapi

import (
	"context"
	"net/http"
	"time"

	"metered_gateway/internal/utils"
)

const healthTimeout = 3 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth pings every backing store. Any failure makes the whole
// check report 503.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(d.Health))}
	status := http.StatusOK
	for name, checker := range d.Health {
		if err := checker.Health(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	utils.RespondWithJSON(w, status, resp)
}

// handleStats reports pool, cache and queue statistics by component. A
// failing component is reported inline and does not fail the request.
func (d *Dependencies) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]any, len(d.Stats))
	for name, fn := range d.Stats {
		v, err := fn(r.Context())
		if err != nil {
			stats[name] = map[string]string{"error": err.Error()}
			continue
		}
		stats[name] = v
	}
	utils.RespondWithJSON(w, http.StatusOK, stats)
}
