package server

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string `json:"status"`
	Instance      string `json:"instance"`
	Store         string `json:"store"`
	RelayDegraded bool   `json:"relayDegraded"`
	Connections   int    `json:"connections"`
	Projects      int    `json:"projects"`
	Timestamp     int64  `json:"timestamp"`
}

// health pings the store. A degraded relay is reported without failing the
// check.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "healthy",
		Instance:      s.hub.InstanceID(),
		Store:         "ok",
		RelayDegraded: s.hub.RelayDegraded(),
		Connections:   s.hub.Sessions(),
		Projects:      s.hub.Registry().Stats().Projects,
		Timestamp:     time.Now().UnixMilli(),
	}
	status := http.StatusOK
	if err := s.hub.Log().Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
