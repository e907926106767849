package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"quizsync-backend-go/internal/models"
	"quizsync-backend-go/internal/services"
)

func (s *Server) ListEntitlements(w http.ResponseWriter, r *http.Request) {
	rights, err := s.Engine.SyncAccessRights(r.Context(), restCaller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, rights)
}

func (s *Server) CheckAccess(w http.ResponseWriter, r *http.Request) {
	result, err := s.Engine.CheckAccess(r.Context(), restCaller(r), chi.URLParam(r, "contentSetId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, result)
}

type batchAccessRequest struct {
	ContentSetIDs []string `json:"contentSetIds"`
}

func (s *Server) BatchAccess(w http.ResponseWriter, r *http.Request) {
	var req batchAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	results, err := s.Engine.CheckAccessBatch(r.Context(), restCaller(r), req.ContentSetIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]interface{}{"results": results})
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.Engine.Redeem(r.Context(), restCaller(r), req.Code)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, result)
}

type purchaseRequest struct {
	UserID       string     `json:"userId"`
	ContentSetID string     `json:"contentSetId"`
	Status       string     `json:"status"`
	ExpiryDate   *time.Time `json:"expiryDate"`
	Amount       float64    `json:"amount"`
	PaymentRef   string     `json:"paymentRef"`
}

func (s *Server) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	purchase, err := s.Engine.RecordPurchase(r.Context(), services.PurchaseInput{
		UserID:       strings.TrimSpace(req.UserID),
		ContentSetID: strings.TrimSpace(req.ContentSetID),
		Status:       models.PurchaseStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ExpiryDate:   req.ExpiryDate,
		Amount:       req.Amount,
		PaymentRef:   req.PaymentRef,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, purchase)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) UpdatePurchaseStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := models.PurchaseStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	purchase, err := s.Engine.UpdatePurchaseStatus(r.Context(), chi.URLParam(r, "purchaseId"), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, purchase)
}
