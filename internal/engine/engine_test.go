package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"quizsync-backend-go/internal/models"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
	"quizsync-backend-go/internal/testutil"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	db       *sqlx.DB
	engine   *Engine
	registry *realtime.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database := testutil.NewDB(t)
	progress := services.NewProgressService(database)
	progress.Now = func() time.Time { return fixedNow }
	entitlements := services.NewEntitlementService(database)
	entitlements.Now = func() time.Time { return fixedNow }
	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, nil)
	return &harness{
		db:       database,
		engine:   New(progress, entitlements, registry, broadcaster, nil, time.Second),
		registry: registry,
	}
}

func (h *harness) device(t *testing.T, userID string) *realtime.Client {
	t.Helper()
	c := realtime.NewClient(32)
	if err := h.registry.Join(c, userID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return c
}

type frame struct {
	Type      realtime.EventType `json:"type"`
	Data      json.RawMessage    `json:"data"`
	RequestID string             `json:"requestId"`
	Seq       uint64             `json:"seq"`
}

func frames(t *testing.T, c *realtime.Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-c.Outbound():
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func onlyFrame(t *testing.T, c *realtime.Client, want realtime.EventType) frame {
	t.Helper()
	got := frames(t, c)
	if len(got) != 1 || got[0].Type != want {
		t.Fatalf("want one %s frame, got %+v", want, got)
	}
	return got[0]
}

func TestRedeemThenAnswerReachesOtherDevice(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "S", "Paid set", true, 10)
	if _, err := h.db.Exec(h.db.Rebind(`INSERT INTO redeem_codes (id, code, content_set_id, validity_days) VALUES (?, ?, ?, ?)`), "rc1", "C", "S", 30); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	ctx := context.Background()
	deviceA := h.device(t, "U")
	deviceB := h.device(t, "U")
	fromA := Caller{UserID: "U", ConnID: deviceA.ID, RequestID: "r1"}

	access, err := h.engine.CheckAccess(ctx, fromA, "S")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if access.HasAccess {
		t.Fatalf("access before redeem")
	}
	onlyFrame(t, deviceA, realtime.EventAccessUpdate)
	onlyFrame(t, deviceB, realtime.EventAccessUpdate)

	redeemed, err := h.engine.Redeem(ctx, fromA, "C")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if want := fixedNow.AddDate(0, 0, 30); redeemed.Entitlement.ExpiryDate == nil || !redeemed.Entitlement.ExpiryDate.Equal(want) {
		t.Fatalf("expiry: want=%v got=%v", want, redeemed.Entitlement.ExpiryDate)
	}
	pushed := onlyFrame(t, deviceB, realtime.EventAccessUpdate)
	var update AccessUpdate
	if err := json.Unmarshal(pushed.Data, &update); err != nil {
		t.Fatalf("decode access update: %v", err)
	}
	if !update.HasAccess || update.Reason != ReasonRedeem {
		t.Fatalf("peer access update: %+v", update)
	}
	frames(t, deviceA)

	access, err = h.engine.CheckAccess(ctx, fromA, "S")
	if err != nil {
		t.Fatalf("CheckAccess after redeem: %v", err)
	}
	if !access.HasAccess || access.RemainingDays == nil || *access.RemainingDays != 30 {
		t.Fatalf("after redeem: %+v", access)
	}
	frames(t, deviceA)
	frames(t, deviceB)

	result, err := h.engine.AnswerQuestion(ctx, Caller{UserID: "U", ConnID: deviceA.ID, RequestID: "r2"}, services.AnswerInput{
		ContentSetID: "S", QuestionID: "Q1", IsCorrect: boolPtr(true), TimeSpent: 5000,
	})
	if err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	if result.Stats.CompletedQuestions != 1 || result.Stats.CorrectAnswers != 1 {
		t.Fatalf("stats: %+v", result.Stats)
	}

	ack := onlyFrame(t, deviceA, realtime.EventProgressUpdate)
	if ack.RequestID != "r2" {
		t.Fatalf("origin should get the ack with its request id: %+v", ack)
	}
	push := onlyFrame(t, deviceB, realtime.EventProgressUpdate)
	var progress ProgressUpdate
	if err := json.Unmarshal(push.Data, &progress); err != nil {
		t.Fatalf("decode progress update: %v", err)
	}
	if progress.QuestionID != "Q1" || progress.Source != SourceLive || push.RequestID != "" {
		t.Fatalf("peer progress update: %+v", progress)
	}
}

func TestBeaconAfterTabCloseUpdatesSummaryAndPushes(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "S", "Set", false, 10)
	ctx := context.Background()
	deviceB := h.device(t, "U")

	if _, err := h.engine.AnswerQuestion(ctx, Caller{UserID: "U"}, services.AnswerInput{
		ContentSetID: "S", QuestionID: "Q1", IsCorrect: boolPtr(true), TimeSpent: 5000,
	}); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	frames(t, deviceB)

	result, err := h.engine.IngestBeacon(ctx, services.SessionBatch{
		UserID: "U", ContentSetID: "S", SessionID: "X",
		Items: []services.SessionItem{{QuestionID: "Q2", IsCorrect: boolPtr(false), TimeSpent: 3000}},
	})
	if err != nil {
		t.Fatalf("IngestBeacon: %v", err)
	}
	if result.Summary.CompletedQuestions != 2 || result.Summary.TotalTimeSpent != 3000 {
		t.Fatalf("summary: %+v", result.Summary)
	}

	_, err = h.engine.IngestBeacon(ctx, services.SessionBatch{
		UserID: "U", ContentSetID: "S", SessionID: "X",
		Items: []services.SessionItem{{QuestionID: "Q2", IsCorrect: boolPtr(false), TimeSpent: 1000}},
	})
	if err != nil {
		t.Fatalf("second beacon: %v", err)
	}
	snap, err := h.engine.GetProgress(ctx, Caller{UserID: "U"}, "S")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if snap.Session == nil || snap.Session.TotalTimeSpent != 4000 || snap.Session.CompletedQuestions != 2 {
		t.Fatalf("session after second beacon: %+v", snap.Session)
	}

	pushes := frames(t, deviceB)
	if len(pushes) != 2 {
		t.Fatalf("beacon pushes: want=2 got=%d", len(pushes))
	}
	var update ProgressUpdate
	if err := json.Unmarshal(pushes[0].Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.QuestionID != "Q2" || update.Source != SourceBeacon || update.SessionID != "X" {
		t.Fatalf("beacon push: %+v", update)
	}
	if pushes[1].Seq <= pushes[0].Seq {
		t.Fatalf("sequence must grow: %d then %d", pushes[0].Seq, pushes[1].Seq)
	}
}

func TestFailedWriteBroadcastsNothing(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "S", "Set", false, 1)
	device := h.device(t, "U")

	_, err := h.engine.AnswerQuestion(context.Background(), Caller{UserID: "U", ConnID: device.ID}, services.AnswerInput{ContentSetID: "S", QuestionID: "Q1"})
	if !services.IsKind(err, services.KindValidation) {
		t.Fatalf("want VALIDATION_ERROR got %v", err)
	}
	_, err = h.engine.Redeem(context.Background(), Caller{UserID: "U", ConnID: device.ID}, "missing")
	if !services.IsKind(err, services.KindNotFound) {
		t.Fatalf("want NOT_FOUND got %v", err)
	}
	if got := frames(t, device); len(got) != 0 {
		t.Fatalf("failed operations must not publish: %+v", got)
	}
}

func TestResetBroadcastsToAllDevices(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "S", "Set", false, 3)
	ctx := context.Background()
	a, b := h.device(t, "U"), h.device(t, "U")
	for _, q := range []string{"Q1", "Q2"} {
		if _, err := h.engine.AnswerQuestion(ctx, Caller{UserID: "U"}, services.AnswerInput{ContentSetID: "S", QuestionID: q, IsCorrect: boolPtr(true)}); err != nil {
			t.Fatalf("answer %s: %v", q, err)
		}
	}
	frames(t, a)
	frames(t, b)

	result, err := h.engine.ResetProgress(ctx, Caller{UserID: "U", ConnID: a.ID, RequestID: "r"}, "S")
	if err != nil {
		t.Fatalf("ResetProgress: %v", err)
	}
	if result.DeletedCount != 2 {
		t.Fatalf("deleted: want=2 got=%d", result.DeletedCount)
	}
	onlyFrame(t, a, realtime.EventProgressResetResult)
	onlyFrame(t, b, realtime.EventProgressResetResult)
}

func TestCheckAccessBatchRepliesToCallerOnly(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "free", "Free", false, 1)
	testutil.SeedContentSet(t, h.db, "paid", "Paid", true, 1)
	a, b := h.device(t, "U"), h.device(t, "U")

	results, err := h.engine.CheckAccessBatch(context.Background(), Caller{UserID: "U", ConnID: a.ID, RequestID: "rb"}, []string{"free", "paid"})
	if err != nil {
		t.Fatalf("CheckAccessBatch: %v", err)
	}
	if len(results) != 2 || !results[0].HasAccess || results[1].HasAccess {
		t.Fatalf("results: %+v", results)
	}
	if got := frames(t, a); len(got) != 2 {
		t.Fatalf("caller per-item updates: want=2 got=%d", len(got))
	}
	if got := frames(t, b); len(got) != 0 {
		t.Fatalf("peers must not get batch results: %+v", got)
	}
}

func TestUpdatePurchaseStatusPushesAccess(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "paid", "Paid", true, 1)
	ctx := context.Background()
	device := h.device(t, "U")
	purchase, err := h.engine.Entitlements.RecordPurchase(ctx, services.PurchaseInput{UserID: "U", ContentSetID: "paid", Amount: 5})
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}

	if _, err := h.engine.UpdatePurchaseStatus(ctx, purchase.ID, models.PurchaseActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	pushed := onlyFrame(t, device, realtime.EventAccessUpdate)
	var update AccessUpdate
	if err := json.Unmarshal(pushed.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !update.HasAccess || update.Reason != ReasonStatus {
		t.Fatalf("update: %+v", update)
	}
}

func TestSweepNotifiesConnectedUsers(t *testing.T) {
	h := newHarness(t)
	testutil.SeedContentSet(t, h.db, "paid", "Paid", true, 1)
	insert := h.db.Rebind(`
INSERT INTO purchases (id, user_id, content_set_id, purchase_date, expiry_date, status, amount, updated_at)
VALUES (?, ?, 'paid', ?, ?, 'active', 1, ?)`)
	bought := fixedNow.Add(-24 * time.Hour)
	expired := fixedNow.Add(-30 * time.Second)
	for _, user := range []string{"online", "offline"} {
		if _, err := h.db.Exec(insert, "p-"+user, user, bought, expired, bought); err != nil {
			t.Fatalf("seed purchase: %v", err)
		}
	}
	device := h.device(t, "online")

	sweeper := NewSweeper(h.engine, time.Minute, time.Second, nil)
	sweeper.now = func() time.Time { return fixedNow }
	sweeper.lastRun = fixedNow.Add(-time.Minute)

	notified, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified: want=1 got=%d", notified)
	}
	pushed := onlyFrame(t, device, realtime.EventAccessUpdate)
	var update AccessUpdate
	if err := json.Unmarshal(pushed.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.HasAccess || update.Reason != ReasonExpired || update.ContentSetID != "paid" {
		t.Fatalf("sweep update: %+v", update)
	}

	notified, err = sweeper.RunOnce(context.Background())
	if err != nil || notified != 0 {
		t.Fatalf("empty window: notified=%d err=%v", notified, err)
	}
}

func TestKeyedLocksReleaseEntries(t *testing.T) {
	var locks keyedLocks
	unlock := locks.Lock(pairKey("u", "s"))
	done := make(chan struct{})
	go func() {
		release := locks.Lock(pairKey("u", "s"))
		release()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("second holder must wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	if n := locks.size(); n != 0 {
		t.Fatalf("lock entries leaked: %d", n)
	}
}

func boolPtr(v bool) *bool { return &v }
