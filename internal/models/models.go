package models

import "time"

type ContentSet struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	IsPaid    bool      `db:"is_paid"`
	Price     float64   `db:"price"`
	CreatedAt time.Time `db:"created_at"`
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseActive    PurchaseStatus = "active"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

// GrantsAccess reports whether the status alone counts towards access; expiry
// is checked separately.
func (s PurchaseStatus) GrantsAccess() bool {
	return s == PurchaseActive || s == PurchaseCompleted
}

func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchaseActive, PurchaseCompleted, PurchaseFailed, PurchaseRefunded, PurchaseCancelled:
		return true
	}
	return false
}

var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchasePending:   {PurchaseActive, PurchaseFailed, PurchaseCancelled},
	PurchaseActive:    {PurchaseCompleted, PurchaseRefunded, PurchaseCancelled},
	PurchaseCompleted: {PurchaseRefunded, PurchaseCancelled},
}

func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Purchase struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"userId"`
	ContentSetID string         `db:"content_set_id" json:"contentSetId"`
	PurchaseDate time.Time      `db:"purchase_date" json:"purchaseDate"`
	ExpiryDate   *time.Time     `db:"expiry_date" json:"expiryDate"`
	Status       PurchaseStatus `db:"status" json:"status"`
	Amount       float64        `db:"amount" json:"amount"`
	PaymentRef   *string        `db:"payment_ref" json:"paymentRef"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

// ValidAt applies the access invariant: granting status and no expiry or an
// expiry strictly after now.
func (p Purchase) ValidAt(now time.Time) bool {
	if !p.Status.GrantsAccess() {
		return false
	}
	return p.ExpiryDate == nil || p.ExpiryDate.After(now)
}

type RedeemCode struct {
	ID           string     `db:"id"`
	Code         string     `db:"code"`
	ContentSetID string     `db:"content_set_id"`
	ValidityDays int        `db:"validity_days"`
	ExpiryDate   *time.Time `db:"expiry_date"`
	IsUsed       bool       `db:"is_used"`
	UsedBy       *string    `db:"used_by"`
	UsedAt       *time.Time `db:"used_at"`
	CreatedBy    *string    `db:"created_by"`
	CreatedAt    time.Time  `db:"created_at"`
}
