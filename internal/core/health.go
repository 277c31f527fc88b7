package core

import (
	"context"
	"net/http"
	"time"
)

// healthResponse is the JSON body returned by the health endpoint.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Database string `json:"database,omitempty"`
}

// HandleHealth reports process liveness plus a shallow database check.
// A failing database ping degrades the status to 503 so load balancers stop
// routing to an instance that cannot serve payment traffic.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.Config.Build.Version,
		Commit:  s.Config.Build.Commit,
	}

	status := http.StatusOK
	if s.DBPinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DBPinger.Ping(ctx); err != nil {
			s.Logger.ErrorContext(r.Context(), "health check database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	JSON(w, r, status, resp)
}
