package httpapi

import (
	"context"
	"net/http"
	"time"

	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

type HealthResponse struct {
	Status      string                `json:"status"`
	Database    string                `json:"database"`
	Connections realtime.Counts       `json:"connections"`
	Process     services.ProcessStats `json:"process"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Database:    "ok",
		Connections: s.registry().Counts(),
		Process:     services.CaptureProcessStats(s.Config.LogDir),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		s.Log.Warn("health: database ping failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		WriteJSON(w, http.StatusServiceUnavailable, Response{Data: resp, Message: "Database unreachable"})
		return
	}
	WriteData(w, http.StatusOK, resp)
}
