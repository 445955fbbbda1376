package handlers

import (
	"net/http"
	"time"

	"github.com/drfirst/go-rxcore/internal/observability/metrics"
	"github.com/drfirst/go-rxcore/pkg/circuitbreaker"
)

// Health handles GET /health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status   string                        `json:"status"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// Ready reports not ready while any dependency circuit is open. Breaker
// states are exported to m on every probe.
func Ready(breakers *circuitbreaker.Manager, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := ReadyResponse{Status: "ready", Breakers: []circuitbreaker.HealthStatus{}}
		status := http.StatusOK
		if breakers != nil {
			resp.Breakers = breakers.GetHealthStatus()
		}
		for _, b := range resp.Breakers {
			m.SetBreakerState(b.Name, string(b.State))
			if !b.Healthy {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, resp)
	}
}
