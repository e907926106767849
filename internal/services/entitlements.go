package services

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quizsync-backend-go/internal/models"
)

const purchaseColumns = `id, user_id, content_set_id, purchase_date, expiry_date, status, amount, payment_ref, updated_at`

const redeemColumns = `id, code, content_set_id, validity_days, expiry_date, is_used, used_by, used_at, created_by, created_at`

// maxBatchIDs bounds a single checkAccessBatch request.
const maxBatchIDs = 500

type Entitlement struct {
	PurchaseID    string                `json:"purchaseId"`
	UserID        string                `json:"userId"`
	ContentSetID  string                `json:"contentSetId"`
	Status        models.PurchaseStatus `json:"status"`
	PurchaseDate  time.Time             `json:"purchaseDate"`
	ExpiryDate    *time.Time            `json:"expiryDate"`
	RemainingDays *int                  `json:"remainingDays"`
	Valid         bool                  `json:"valid"`
}

type AccessResult struct {
	ContentSetID  string `json:"contentSetId"`
	HasAccess     bool   `json:"hasAccess"`
	IsPaid        bool   `json:"isPaid"`
	RemainingDays *int   `json:"remainingDays"`
}

type PurchaseInput struct {
	UserID       string
	ContentSetID string
	Status       models.PurchaseStatus
	ExpiryDate   *time.Time
	Amount       float64
	PaymentRef   string
}

type EntitlementService struct {
	DB  *sqlx.DB
	Now func() time.Time

	// beforeClaim runs between reading a redeem code and claiming it.
	beforeClaim func(ctx context.Context, tx *sqlx.Tx) error
}

func NewEntitlementService(db *sqlx.DB) *EntitlementService {
	return &EntitlementService{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *EntitlementService) now() time.Time {
	return s.Now().UTC()
}

type accessRow struct {
	IsPaid    bool `db:"is_paid"`
	HasAccess bool `db:"has_access"`
}

// accessQuery answers "free or validly purchased" in one statement so a
// concurrent expiry sweep cannot interleave between check and emit.
const accessQuery = `
SELECT cs.is_paid AS is_paid,
       CASE
         WHEN cs.is_paid = FALSE THEN 1
         WHEN EXISTS (
           SELECT 1 FROM purchases p
           WHERE p.user_id = ?
             AND p.content_set_id = cs.id
             AND p.status IN ('active','completed')
             AND (p.expiry_date IS NULL OR p.expiry_date > ?)
         ) THEN 1
         ELSE 0
       END AS has_access
FROM content_sets cs
WHERE cs.id = ?`

func (s *EntitlementService) access(ctx context.Context, userID, contentSetID string) (accessRow, error) {
	if err := requireIDs(userID, contentSetID); err != nil {
		return accessRow{}, err
	}
	var row accessRow
	if err := s.DB.GetContext(ctx, &row, s.DB.Rebind(accessQuery), userID, s.now(), contentSetID); err != nil {
		if isNoRows(err) {
			return accessRow{}, ErrNotFound("Content set not found")
		}
		return accessRow{}, ErrStore("resolve access", err)
	}
	return row, nil
}

func (s *EntitlementService) HasAccess(ctx context.Context, userID, contentSetID string) (bool, error) {
	row, err := s.access(ctx, userID, contentSetID)
	if err != nil {
		return false, err
	}
	return row.HasAccess, nil
}

// LatestEntitlement returns the most recent purchase for the pair, valid or
// not, or nil when the user never bought the set.
func (s *EntitlementService) LatestEntitlement(ctx context.Context, userID, contentSetID string) (*Entitlement, error) {
	if err := requireIDs(userID, contentSetID); err != nil {
		return nil, err
	}
	var purchase models.Purchase
	err := s.DB.GetContext(ctx, &purchase, s.DB.Rebind(`
SELECT `+purchaseColumns+`
FROM purchases
WHERE user_id = ? AND content_set_id = ?
ORDER BY purchase_date DESC
LIMIT 1`), userID, contentSetID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, ErrStore("latest entitlement", err)
	}
	ent := entitlementFrom(purchase, s.now())
	return &ent, nil
}

// Resolve combines HasAccess with the remaining days of the longest valid
// purchase of the set, the same rule BatchResolve applies.
func (s *EntitlementService) Resolve(ctx context.Context, userID, contentSetID string) (AccessResult, error) {
	now := s.now()
	row, err := s.access(ctx, userID, contentSetID)
	if err != nil {
		return AccessResult{}, err
	}
	result := AccessResult{ContentSetID: contentSetID, HasAccess: row.HasAccess, IsPaid: row.IsPaid}
	if !row.IsPaid || !row.HasAccess {
		return result, nil
	}
	purchases := []models.Purchase{}
	if err := s.DB.SelectContext(ctx, &purchases, s.DB.Rebind(`
SELECT `+purchaseColumns+`
FROM purchases
WHERE user_id = ? AND content_set_id = ?
  AND status IN ('active','completed')
  AND (expiry_date IS NULL OR expiry_date > ?)`), userID, contentSetID, now); err != nil {
		return AccessResult{}, ErrStore("resolve access", err)
	}
	result.RemainingDays = longestRemaining(purchases, now)
	return result, nil
}

// BatchResolve issues two queries no matter how many ids are asked for: the
// catalog rows for the ids and every valid purchase of the user.
func (s *EntitlementService) BatchResolve(ctx context.Context, userID string, contentSetIDs []string) ([]AccessResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation("userId is required")
	}
	ids := dedupeIDs(contentSetIDs)
	if len(ids) == 0 {
		return nil, ErrValidation("contentSetIds is required")
	}
	if len(ids) > maxBatchIDs {
		return nil, ErrValidation("Too many contentSetIds")
	}
	now := s.now()

	query, args, err := sqlx.In(`SELECT id, is_paid FROM content_sets WHERE id IN (?)`, ids)
	if err != nil {
		return nil, ErrStore("batch resolve: build query", err)
	}
	catalog := []struct {
		ID     string `db:"id"`
		IsPaid bool   `db:"is_paid"`
	}{}
	if err := s.DB.SelectContext(ctx, &catalog, s.DB.Rebind(query), args...); err != nil {
		return nil, ErrStore("batch resolve: catalog", err)
	}
	valid, err := s.validPurchases(ctx, s.DB, userID, now)
	if err != nil {
		return nil, err
	}

	paid := make(map[string]bool, len(catalog))
	for _, row := range catalog {
		paid[row.ID] = row.IsPaid
	}
	bySet := make(map[string][]models.Purchase)
	for _, p := range valid {
		bySet[p.ContentSetID] = append(bySet[p.ContentSetID], p)
	}

	results := make([]AccessResult, 0, len(ids))
	for _, id := range ids {
		isPaid, known := paid[id]
		result := AccessResult{ContentSetID: id, IsPaid: isPaid}
		switch {
		case !known:
		case !isPaid:
			result.HasAccess = true
		default:
			purchases := bySet[id]
			if len(purchases) > 0 {
				result.HasAccess = true
				result.RemainingDays = longestRemaining(purchases, now)
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// ActiveEntitlements lists every currently valid purchase of the user.
func (s *EntitlementService) ActiveEntitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation("userId is required")
	}
	now := s.now()
	purchases, err := s.validPurchases(ctx, s.DB, userID, now)
	if err != nil {
		return nil, err
	}
	items := make([]Entitlement, 0, len(purchases))
	for _, p := range purchases {
		items = append(items, entitlementFrom(p, now))
	}
	return items, nil
}

func (s *EntitlementService) validPurchases(ctx context.Context, q queryer, userID string, now time.Time) ([]models.Purchase, error) {
	purchases := []models.Purchase{}
	if err := sqlx.SelectContext(ctx, q, &purchases, q.Rebind(`
SELECT `+purchaseColumns+`
FROM purchases
WHERE user_id = ?
  AND status IN ('active','completed')
  AND (expiry_date IS NULL OR expiry_date > ?)
ORDER BY purchase_date DESC`), userID, now); err != nil {
		return nil, ErrStore("valid purchases", err)
	}
	return purchases, nil
}

// ExpiredBetween returns access-granting purchases whose expiry fell in
// (from, to].
func (s *EntitlementService) ExpiredBetween(ctx context.Context, from, to time.Time) ([]models.Purchase, error) {
	purchases := []models.Purchase{}
	if err := s.DB.SelectContext(ctx, &purchases, s.DB.Rebind(`
SELECT `+purchaseColumns+`
FROM purchases
WHERE status IN ('active','completed')
  AND expiry_date IS NOT NULL
  AND expiry_date > ?
  AND expiry_date <= ?
ORDER BY user_id, content_set_id`), from.UTC(), to.UTC()); err != nil {
		return nil, ErrStore("expired purchases", err)
	}
	return purchases, nil
}

var errCodeUsed = ErrConflict("Redeem code has already been used")

// Redeem consumes a code and grants a purchase in one transaction. The
// conditional UPDATE is the only thing deciding which of two concurrent
// redeemers wins.
func (s *EntitlementService) Redeem(ctx context.Context, code, userID string) (*Entitlement, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrValidation("code is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation("userId is required")
	}
	now := s.now()
	var purchase models.Purchase
	err := inTx(ctx, s.DB, "redeem code", func(tx *sqlx.Tx) error {
		var rc models.RedeemCode
		if err := tx.GetContext(ctx, &rc, tx.Rebind(`SELECT `+redeemColumns+` FROM redeem_codes WHERE code = ?`), code); err != nil {
			if isNoRows(err) {
				return ErrNotFound("Redeem code not found")
			}
			return err
		}
		if rc.IsUsed {
			return errCodeUsed
		}
		if rc.ExpiryDate != nil && !rc.ExpiryDate.After(now) {
			return ErrValidation("Redeem code has expired")
		}
		if s.beforeClaim != nil {
			if err := s.beforeClaim(ctx, tx); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE redeem_codes
SET is_used = TRUE, used_by = ?, used_at = ?
WHERE id = ? AND is_used = FALSE`), userID, now, rc.ID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errCodeUsed
		}
		expiry := now.AddDate(0, 0, rc.ValidityDays)
		ref := "redeem:" + rc.Code
		purchase = models.Purchase{
			ID:           uuid.NewString(),
			UserID:       userID,
			ContentSetID: rc.ContentSetID,
			PurchaseDate: now,
			ExpiryDate:   &expiry,
			Status:       models.PurchaseActive,
			Amount:       0,
			PaymentRef:   &ref,
			UpdatedAt:    now,
		}
		return insertPurchase(ctx, tx, purchase)
	})
	if err != nil {
		return nil, err
	}
	ent := entitlementFrom(purchase, now)
	return &ent, nil
}

// RecordPurchase stores a purchase confirmed by the payment collaborator.
func (s *EntitlementService) RecordPurchase(ctx context.Context, in PurchaseInput) (models.Purchase, error) {
	if err := requireIDs(in.UserID, in.ContentSetID); err != nil {
		return models.Purchase{}, err
	}
	if in.Status == "" {
		in.Status = models.PurchasePending
	}
	if !in.Status.Valid() {
		return models.Purchase{}, ErrValidation("Invalid status")
	}
	if in.Amount < 0 {
		return models.Purchase{}, ErrValidation("amount must not be negative")
	}
	now := s.now()
	purchase := models.Purchase{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		ContentSetID: in.ContentSetID,
		PurchaseDate: now,
		ExpiryDate:   utcPtr(in.ExpiryDate),
		Status:       in.Status,
		Amount:       in.Amount,
		PaymentRef:   stringPtr(in.PaymentRef),
		UpdatedAt:    now,
	}
	err := inTx(ctx, s.DB, "record purchase", func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM content_sets WHERE id = ?)`), in.ContentSetID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound("Content set not found")
		}
		return insertPurchase(ctx, tx, purchase)
	})
	if err != nil {
		return models.Purchase{}, err
	}
	return purchase, nil
}

// UpdatePurchaseStatus moves a purchase along the allowed status transitions.
// Setting the current status again is a no-op.
func (s *EntitlementService) UpdatePurchaseStatus(ctx context.Context, purchaseID string, status models.PurchaseStatus) (models.Purchase, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return models.Purchase{}, ErrValidation("purchaseId is required")
	}
	if !status.Valid() {
		return models.Purchase{}, ErrValidation("Invalid status")
	}
	now := s.now()
	var purchase models.Purchase
	err := inTx(ctx, s.DB, "update purchase status", func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &purchase, tx.Rebind(`SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`), purchaseID); err != nil {
			if isNoRows(err) {
				return ErrNotFound("Purchase not found")
			}
			return err
		}
		if purchase.Status == status {
			return nil
		}
		if !purchase.Status.CanTransitionTo(status) {
			return ErrConflict("Purchase cannot move from " + string(purchase.Status) + " to " + string(status))
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE purchases SET status = ?, updated_at = ?
WHERE id = ? AND status = ?`), status, now, purchase.ID, purchase.Status)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrConflict("Purchase was modified concurrently")
		}
		purchase.Status = status
		purchase.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Purchase{}, err
	}
	return purchase, nil
}

func insertPurchase(ctx context.Context, tx *sqlx.Tx, p models.Purchase) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO purchases (`+purchaseColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.ContentSetID, p.PurchaseDate, p.ExpiryDate, p.Status, p.Amount, p.PaymentRef, p.UpdatedAt)
	return err
}

func entitlementFrom(p models.Purchase, now time.Time) Entitlement {
	valid := p.ValidAt(now)
	ent := Entitlement{
		PurchaseID:   p.ID,
		UserID:       p.UserID,
		ContentSetID: p.ContentSetID,
		Status:       p.Status,
		PurchaseDate: p.PurchaseDate,
		ExpiryDate:   p.ExpiryDate,
		Valid:        valid,
	}
	ent.RemainingDays = RemainingDays(p.ExpiryDate, now)
	return ent
}

// RemainingDays is ceil((expiry-now)/day), floored at zero; nil means the
// entitlement never expires.
func RemainingDays(expiry *time.Time, now time.Time) *int {
	if expiry == nil {
		return nil
	}
	days := int(math.Ceil(expiry.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return &days
}

func longestRemaining(purchases []models.Purchase, now time.Time) *int {
	var best *int
	for _, p := range purchases {
		days := RemainingDays(p.ExpiryDate, now)
		if days == nil {
			return nil
		}
		if best == nil || *days > *best {
			best = days
		}
	}
	return best
}

func requireIDs(userID, contentSetID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrValidation("userId is required")
	}
	if strings.TrimSpace(contentSetID) == "" {
		return ErrValidation("contentSetId is required")
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func stringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
