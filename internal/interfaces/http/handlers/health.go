package handlers

import (
	"net/http"
	"time"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string      `json:"status"`
	Market    string      `json:"market"`
	UptimeSec int64       `json:"uptime_sec"`
	Database  interface{} `json:"database,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	res := HealthResponse{
		Status:    "ok",
		Market:    string(h.engine.MarketStatus().State),
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK
	if h.health != nil {
		check := h.health.Health(r.Context())
		res.Database = check
		if !check.Healthy {
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respond(w, status, res)
}
