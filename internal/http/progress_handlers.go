package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"quizsync-backend-go/internal/engine"
	"quizsync-backend-go/internal/services"
)

func restCaller(r *http.Request) engine.Caller {
	return engine.Caller{UserID: CurrentUserID(r)}
}

func (s *Server) ProgressSummary(w http.ResponseWriter, r *http.Request) {
	sets, err := s.Engine.Summary(r.Context(), restCaller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]interface{}{"sets": sets})
}

func (s *Server) ProgressSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Engine.GetProgress(r.Context(), restCaller(r), chi.URLParam(r, "contentSetId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, snap)
}

func (s *Server) ResetProgress(w http.ResponseWriter, r *http.Request) {
	result, err := s.Engine.ResetProgress(r.Context(), restCaller(r), chi.URLParam(r, "contentSetId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, result)
}

func (s *Server) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	var in services.AnswerInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if in.UserID != "" && in.UserID != CurrentUserID(r) {
		s.writeServiceError(w, r, services.ErrForbidden("User mismatch"))
		return
	}
	in.ContentSetID = chi.URLParam(r, "contentSetId")
	update, err := s.Engine.AnswerQuestion(r.Context(), restCaller(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, update)
}

func (s *Server) RecordDetailed(w http.ResponseWriter, r *http.Request) {
	var in services.DetailedInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if in.UserID != "" && in.UserID != CurrentUserID(r) {
		s.writeServiceError(w, r, services.ErrForbidden("User mismatch"))
		return
	}
	in.ContentSetID = chi.URLParam(r, "contentSetId")
	update, err := s.Engine.RecordDetailed(r.Context(), restCaller(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, update)
}
