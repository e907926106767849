package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"quizsync-backend-go/internal/services"
)

const maxJSONBody = 1 << 20

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	serr := services.AsServiceError(err)
	if serr.Kind == services.KindStore {
		s.Log.Error("request failed", "method", r.Method, "path", r.URL.Path, "user_id", CurrentUserID(r), "error", err)
	}
	status := serr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteErrorCode(w, status, serr.Code(), serr.Message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return services.ErrValidation("Request body is required")
		}
		return services.ErrValidation("Invalid payload")
	}
	return nil
}

func resolveClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
