// Package engine runs every state change the same way: validate, write in one
// store transaction, then publish to the user's devices after commit. The
// websocket dispatcher, the REST handlers, the beacon workers and the expiry
// sweep all go through it.
package engine

import (
	"context"
	"time"

	"quizsync-backend-go/internal/logger"
	"quizsync-backend-go/internal/models"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

const DefaultAggregateTimeout = 5 * time.Second

const (
	SourceLive   = "live"
	SourceBeacon = "beacon"
)

const (
	ReasonCheck   = "check"
	ReasonRedeem  = "redeem"
	ReasonStatus  = "status"
	ReasonExpired = "expired"
)

// Caller identifies who triggered an operation. ConnID and RequestID are empty
// for REST calls.
type Caller struct {
	UserID    string
	ConnID    string
	RequestID string
}

type ProgressUpdate struct {
	ContentSetID string            `json:"contentSetId"`
	QuestionID   string            `json:"questionId"`
	IsCorrect    bool              `json:"isCorrect"`
	TimeSpent    int64             `json:"timeSpent"`
	RecordType   models.RecordType `json:"recordType"`
	RecordID     string            `json:"recordId"`
	LastAccessed time.Time         `json:"lastAccessed"`
	Source       string            `json:"source"`
	SessionID    string            `json:"sessionId,omitempty"`
	Stats        services.Stats    `json:"stats"`
}

type ResetResult struct {
	ContentSetID string `json:"contentSetId"`
	DeletedCount int64  `json:"deletedCount"`
}

type AccessUpdate struct {
	services.AccessResult
	Reason string `json:"reason"`
}

type RedeemResult struct {
	Entitlement services.Entitlement  `json:"entitlement"`
	Access      services.AccessResult `json:"access"`
}

type AccessRights struct {
	Entitlements []services.Entitlement `json:"entitlements"`
}

type Engine struct {
	Progress         *services.ProgressService
	Entitlements     *services.EntitlementService
	Registry         *realtime.Registry
	Broadcaster      *realtime.Broadcaster
	Log              *logger.Logger
	AggregateTimeout time.Duration

	locks keyedLocks
}

func New(progress *services.ProgressService, entitlements *services.EntitlementService, registry *realtime.Registry, broadcaster *realtime.Broadcaster, log *logger.Logger, aggregateTimeout time.Duration) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if aggregateTimeout <= 0 {
		aggregateTimeout = DefaultAggregateTimeout
	}
	return &Engine{
		Progress:         progress,
		Entitlements:     entitlements,
		Registry:         registry,
		Broadcaster:      broadcaster,
		Log:              log,
		AggregateTimeout: aggregateTimeout,
	}
}

// opContext detaches from the caller so a socket closing mid-write does not
// abort the transaction; the aggregate timeout still bounds it.
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.AggregateTimeout)
}

func (e *Engine) publishOpts(caller Caller, contentSetID string, ts time.Time) realtime.PublishOptions {
	return realtime.PublishOptions{
		Origin:       caller.ConnID,
		RequestID:    caller.RequestID,
		ContentSetID: contentSetID,
		Timestamp:    ts,
	}
}

func (e *Engine) AnswerQuestion(ctx context.Context, caller Caller, in services.AnswerInput) (ProgressUpdate, error) {
	in.UserID = caller.UserID
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	unlock := e.locks.Lock(pairKey(in.UserID, in.ContentSetID))
	defer unlock()

	stats, answer, err := e.Progress.RecordAnswer(ctx, in)
	if err != nil {
		return ProgressUpdate{}, err
	}
	update := ProgressUpdate{
		ContentSetID: answer.ContentSetID,
		QuestionID:   answer.QuestionID,
		IsCorrect:    answer.IsCorrect,
		TimeSpent:    answer.TimeSpent,
		RecordType:   answer.Type(),
		RecordID:     answer.ID,
		LastAccessed: answer.LastAccessed,
		Source:       SourceLive,
		Stats:        stats,
	}
	e.Broadcaster.Publish(caller.UserID, realtime.EventProgressUpdate, update, e.publishOpts(caller, update.ContentSetID, answer.LastAccessed))
	return update, nil
}

func (e *Engine) RecordDetailed(ctx context.Context, caller Caller, in services.DetailedInput) (ProgressUpdate, error) {
	in.UserID = caller.UserID
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	unlock := e.locks.Lock(pairKey(in.UserID, in.ContentSetID))
	defer unlock()

	stats, record, err := e.Progress.RecordDetailed(ctx, in)
	if err != nil {
		return ProgressUpdate{}, err
	}
	update := ProgressUpdate{
		ContentSetID: record.ContentSetID,
		QuestionID:   record.QuestionID,
		IsCorrect:    record.IsCorrect,
		TimeSpent:    record.TimeSpent,
		RecordType:   record.Type(),
		RecordID:     record.ID,
		LastAccessed: record.LastAccessed,
		Source:       SourceLive,
		Stats:        stats,
	}
	e.Broadcaster.Publish(caller.UserID, realtime.EventProgressUpdate, update, e.publishOpts(caller, update.ContentSetID, record.LastAccessed))
	return update, nil
}

func (e *Engine) GetProgress(ctx context.Context, caller Caller, contentSetID string) (services.Snapshot, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.Progress.Snapshot(ctx, caller.UserID, contentSetID)
}

func (e *Engine) ResetProgress(ctx context.Context, caller Caller, contentSetID string) (ResetResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	unlock := e.locks.Lock(pairKey(caller.UserID, contentSetID))
	defer unlock()

	deleted, err := e.Progress.ResetProgress(ctx, caller.UserID, contentSetID)
	if err != nil {
		return ResetResult{}, err
	}
	result := ResetResult{ContentSetID: contentSetID, DeletedCount: deleted}
	e.Log.Info("progress reset", "user_id", caller.UserID, "content_set_id", contentSetID, "deleted", deleted)
	e.Broadcaster.Publish(caller.UserID, realtime.EventProgressResetResult, result, e.publishOpts(caller, contentSetID, time.Time{}))
	return result, nil
}

func (e *Engine) Summary(ctx context.Context, caller Caller) ([]services.SetSummary, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.Progress.Summary(ctx, caller.UserID)
}

// CheckAccess resolves one set and pushes the answer to every device of the
// user, so a purchase made on one device unlocks the others.
func (e *Engine) CheckAccess(ctx context.Context, caller Caller, contentSetID string) (services.AccessResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	unlock := e.locks.Lock(pairKey(caller.UserID, contentSetID))
	defer unlock()

	result, err := e.Entitlements.Resolve(ctx, caller.UserID, contentSetID)
	if err != nil {
		return services.AccessResult{}, err
	}
	e.Broadcaster.Publish(caller.UserID, realtime.EventAccessUpdate, AccessUpdate{AccessResult: result, Reason: ReasonCheck}, e.publishOpts(caller, contentSetID, time.Time{}))
	return result, nil
}

// CheckAccessBatch answers only the calling connection.
func (e *Engine) CheckAccessBatch(ctx context.Context, caller Caller, contentSetIDs []string) ([]services.AccessResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	results, err := e.Entitlements.BatchResolve(ctx, caller.UserID, contentSetIDs)
	if err != nil {
		return nil, err
	}
	if caller.ConnID != "" {
		for _, result := range results {
			e.Broadcaster.Send(caller.ConnID, realtime.EventAccessUpdate, AccessUpdate{AccessResult: result, Reason: ReasonCheck}, caller.RequestID)
		}
	}
	return results, nil
}

func (e *Engine) SyncAccessRights(ctx context.Context, caller Caller) (AccessRights, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	items, err := e.Entitlements.ActiveEntitlements(ctx, caller.UserID)
	if err != nil {
		return AccessRights{}, err
	}
	return AccessRights{Entitlements: items}, nil
}

func (e *Engine) Redeem(ctx context.Context, caller Caller, code string) (RedeemResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ent, err := e.Entitlements.Redeem(ctx, code, caller.UserID)
	if err != nil {
		return RedeemResult{}, err
	}
	unlock := e.locks.Lock(pairKey(caller.UserID, ent.ContentSetID))
	defer unlock()
	access, err := e.Entitlements.Resolve(ctx, caller.UserID, ent.ContentSetID)
	if err != nil {
		return RedeemResult{}, err
	}
	e.Log.Info("redeem code consumed", "user_id", caller.UserID, "content_set_id", ent.ContentSetID, "purchase_id", ent.PurchaseID)
	e.Broadcaster.Publish(caller.UserID, realtime.EventAccessUpdate, AccessUpdate{AccessResult: access, Reason: ReasonRedeem}, e.publishOpts(caller, ent.ContentSetID, ent.PurchaseDate))
	return RedeemResult{Entitlement: *ent, Access: access}, nil
}

// RecordPurchase stores a purchase reported by the payment collaborator and,
// when it already grants access, pushes the new state to the buyer.
func (e *Engine) RecordPurchase(ctx context.Context, in services.PurchaseInput) (models.Purchase, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	purchase, err := e.Entitlements.RecordPurchase(ctx, in)
	if err != nil {
		return models.Purchase{}, err
	}
	if purchase.Status.GrantsAccess() {
		e.publishStatus(ctx, purchase)
	}
	return purchase, nil
}

// UpdatePurchaseStatus is the payment and cancellation hook. The buyer's
// devices get the re-resolved access state.
func (e *Engine) UpdatePurchaseStatus(ctx context.Context, purchaseID string, status models.PurchaseStatus) (models.Purchase, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	purchase, err := e.Entitlements.UpdatePurchaseStatus(ctx, purchaseID, status)
	if err != nil {
		return models.Purchase{}, err
	}
	e.publishStatus(ctx, purchase)
	return purchase, nil
}

func (e *Engine) publishStatus(ctx context.Context, purchase models.Purchase) {
	unlock := e.locks.Lock(pairKey(purchase.UserID, purchase.ContentSetID))
	defer unlock()
	access, err := e.Entitlements.Resolve(ctx, purchase.UserID, purchase.ContentSetID)
	if err != nil {
		e.Log.Warn("purchase status: resolve access", "purchase_id", purchase.ID, "error", err)
		return
	}
	e.Log.Info("purchase status changed", "purchase_id", purchase.ID, "user_id", purchase.UserID, "status", purchase.Status)
	e.Broadcaster.Publish(purchase.UserID, realtime.EventAccessUpdate, AccessUpdate{AccessResult: access, Reason: ReasonStatus}, realtime.PublishOptions{
		ContentSetID: purchase.ContentSetID,
		Timestamp:    purchase.UpdatedAt,
	})
}

// IngestBeacon applies a beacon batch and publishes one progress:update per
// answered question, exactly like live answers.
func (e *Engine) IngestBeacon(ctx context.Context, batch services.SessionBatch) (services.SessionResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	unlock := e.locks.Lock(pairKey(batch.UserID, batch.ContentSetID))
	defer unlock()

	result, err := e.Progress.IngestSession(ctx, batch)
	if err != nil {
		return services.SessionResult{}, err
	}
	for _, answer := range result.Answers {
		update := ProgressUpdate{
			ContentSetID: answer.ContentSetID,
			QuestionID:   answer.QuestionID,
			IsCorrect:    answer.IsCorrect,
			TimeSpent:    answer.TimeSpent,
			RecordType:   answer.Type(),
			RecordID:     answer.ID,
			LastAccessed: answer.LastAccessed,
			Source:       SourceBeacon,
			SessionID:    batch.SessionID,
			Stats:        result.Stats,
		}
		e.Broadcaster.Publish(batch.UserID, realtime.EventProgressUpdate, update, realtime.PublishOptions{
			ContentSetID: answer.ContentSetID,
			Timestamp:    answer.LastAccessed,
		})
	}
	return result, nil
}

// NotifyExpired pushes fresh access state for purchases that expired in
// (from, to] to users that are currently connected. The state is resolved
// again because the user may hold another valid purchase for the set.
func (e *Engine) NotifyExpired(ctx context.Context, from, to time.Time) (int, error) {
	expired, err := e.Entitlements.ExpiredBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	notified := 0
	for _, purchase := range expired {
		key := pairKey(purchase.UserID, purchase.ContentSetID)
		if seen[key] {
			continue
		}
		seen[key] = true
		if !e.Registry.IsConnected(purchase.UserID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return notified, err
		}
		if e.notifyAccess(ctx, purchase.UserID, purchase.ContentSetID) {
			notified++
		}
	}
	return notified, nil
}

func (e *Engine) notifyAccess(ctx context.Context, userID, contentSetID string) bool {
	unlock := e.locks.Lock(pairKey(userID, contentSetID))
	defer unlock()
	access, err := e.Entitlements.Resolve(ctx, userID, contentSetID)
	if err != nil {
		e.Log.Warn("expiry sweep: resolve access", "user_id", userID, "content_set_id", contentSetID, "error", err)
		return false
	}
	e.Broadcaster.Publish(userID, realtime.EventAccessUpdate, AccessUpdate{AccessResult: access, Reason: ReasonExpired}, realtime.PublishOptions{ContentSetID: contentSetID})
	return true
}
