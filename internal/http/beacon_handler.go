package httpapi

import (
	"net/http"

	"quizsync-backend-go/internal/beacon"
	"quizsync-backend-go/internal/services"
)

func beaconAck(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, Response{Success: true})
}

// ProgressSync takes beacons from closing pages. The page never reads the
// answer, so every outcome is acknowledged with 200 and problems are logged.
func (s *Server) ProgressSync(w http.ResponseWriter, r *http.Request) {
	defer beaconAck(w, r)
	payload, err := beacon.Decode(http.MaxBytesReader(w, r.Body, beacon.MaxBodyBytes))
	if err != nil {
		s.Log.Warn("beacon rejected", "reason", "decode", "client_ip", resolveClientIP(r), "error", err)
		return
	}
	if err := s.Beacons.Submit(r.Context(), payload, r.URL.Query().Get("token")); err != nil {
		serr := services.AsServiceError(err)
		s.Log.Warn("beacon rejected",
			"user_id", payload.UserID,
			"content_set_id", payload.ContentSetID,
			"session_id", payload.SessionID,
			"code", serr.Code(),
			"error", err,
		)
	}
}
