package core

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout is the maximum time allowed for the health probe.
const healthCheckTimeout = 2 * time.Second

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// HandleHealth checks the database within a short deadline. A failed probe
// returns 503 so the load balancer rotates the instance out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	if s.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.Pinger.Ping(ctx); err != nil {
			s.Logger.WarnContext(r.Context(), "health check database probe failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			JSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}

	JSON(w, r, http.StatusOK, resp)
}
