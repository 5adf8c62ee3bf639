package httpapi

import (
	"fmt"
	"net/http"
	"time"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	UptimeS   float64           `json:"uptime_seconds"`
}

// handleHealth probes the store and the broker. Either dependency down
// degrades the node to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]string{
		"store":         "healthy",
		"broker":        "healthy",
		"subscriptions": fmt.Sprintf("%d active", s.hub.Len()),
	}
	status := "healthy"
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		services["store"] = "unhealthy: " + err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.broker.Ping(ctx); err != nil {
		services["broker"] = "unhealthy: " + err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
		UptimeS:   time.Since(s.startedAt).Seconds(),
	})
}
