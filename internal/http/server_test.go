package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quizsync-backend-go/internal/beacon"
	"quizsync-backend-go/internal/config"
	"quizsync-backend-go/internal/engine"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
	"quizsync-backend-go/internal/testutil"
)

var testTokens = services.TokenService{Secret: []byte("http-test-secret"), Issuer: "quizsync"}

type testEnv struct {
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := testutil.NewDB(t)
	testutil.SeedContentSet(t, database, "free", "Free set", false, 3)
	testutil.SeedContentSet(t, database, "paid", "Paid set", true, 3)

	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, nil)
	eng := engine.New(
		services.NewProgressService(database),
		services.NewEntitlementService(database),
		registry,
		broadcaster,
		nil,
		2*time.Second,
	)
	ingestor := beacon.NewIngestor(testTokens, beacon.NewMemoryQueue(16), eng, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ingestor.Run(ctx)
	}()

	cfg := config.Config{WSSendBuffer: 32, RateLimit: config.RateLimitConfig{Enabled: true}}
	srv := NewServer(cfg, database, testTokens, eng, ingestor, nil, nil)
	ts := httptest.NewServer(srv.Router(ctx))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &testEnv{server: srv, http: ts}
}

func accessToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, _, err := testTokens.CreateAccessToken(userID, roles)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wsFrame struct {
	Type      realtime.EventType `json:"type"`
	Data      json.RawMessage    `json:"data"`
	RequestID string             `json:"requestId"`
}

func send(t *testing.T, conn *websocket.Conn, event realtime.EventType, data interface{}, requestID string) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteJSON(realtime.Inbound{Type: event, Data: raw, RequestID: requestID}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// await reads until a frame of the wanted type arrives, skipping others.
func await(t *testing.T, conn *websocket.Conn, want realtime.EventType) wsFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if f.Type == want {
			return f
		}
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, realtime.EventAuthenticate, map[string]string{"userId": userID, "token": accessToken(t, userID)}, "auth")
	f := await(t, conn, realtime.EventAuthenticated)
	var body struct {
		Success bool   `json:"success"`
		UserID  string `json:"userId"`
	}
	_ = json.Unmarshal(f.Data, &body)
	if !body.Success || body.UserID != userID {
		t.Fatalf("authenticated payload: %s", f.Data)
	}
}

func errorCode(t *testing.T, f wsFrame) services.ErrorKind {
	t.Helper()
	var p realtime.ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	return services.ErrorKind(p.Code)
}

func TestSocketGuard(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "")

	send(t, conn, realtime.EventProgressUpdate, map[string]interface{}{"contentSetId": "free", "questionId": "free-q1", "isCorrect": true}, "r1")
	f := await(t, conn, realtime.EventError)
	if errorCode(t, f) != services.KindUnauthorized || f.RequestID != "r1" {
		t.Fatalf("unauthenticated update: %+v", f)
	}

	send(t, conn, realtime.EventAuthenticate, map[string]string{"userId": "u1", "token": accessToken(t, "u2")}, "r2")
	if code := errorCode(t, await(t, conn, realtime.EventError)); code != services.KindUnauthorized {
		t.Fatalf("token for another user: %s", code)
	}

	authenticate(t, conn, "u1")

	send(t, conn, realtime.EventProgressUpdate, map[string]interface{}{"userId": "u2", "contentSetId": "free", "questionId": "free-q1", "isCorrect": true}, "r3")
	if code := errorCode(t, await(t, conn, realtime.EventError)); code != services.KindUnauthorized {
		t.Fatalf("user mismatch: %s", code)
	}

	send(t, conn, "progress:teleport", map[string]string{}, "r4")
	if code := errorCode(t, await(t, conn, realtime.EventError)); code != services.KindValidation {
		t.Fatalf("unknown event: %s", code)
	}

	var count int
	if err := env.server.DB.Get(&count, `SELECT COUNT(*) FROM progress`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("guarded events must not write, found %d rows", count)
	}
}

func TestSocketFansOutToEveryDevice(t *testing.T) {
	env := newTestEnv(t)
	phone := env.dial(t, "")
	authenticate(t, phone, "u1")
	laptop := env.dial(t, "?token="+accessToken(t, "u1"))
	await(t, laptop, realtime.EventAuthenticated)

	joined := await(t, phone, realtime.EventDeviceSync)
	var sync realtime.DeviceSyncPayload
	_ = json.Unmarshal(joined.Data, &sync)
	if sync.Event != "joined" || sync.DeviceCount != 2 {
		t.Fatalf("device sync: %+v", sync)
	}

	send(t, phone, realtime.EventProgressUpdate, map[string]interface{}{"contentSetId": "free", "questionId": "free-q1", "isCorrect": true, "timeSpent": 1200}, "ans-1")

	ack := await(t, phone, realtime.EventProgressUpdate)
	if ack.RequestID != "ans-1" {
		t.Fatalf("origin must get the requestId back, got %q", ack.RequestID)
	}
	peer := await(t, laptop, realtime.EventProgressUpdate)
	if peer.RequestID != "" {
		t.Fatalf("peer frame carries requestId %q", peer.RequestID)
	}
	var update engine.ProgressUpdate
	if err := json.Unmarshal(peer.Data, &update); err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.QuestionID != "free-q1" || update.Stats.CompletedQuestions != 1 || update.Stats.CorrectAnswers != 1 {
		t.Fatalf("update: %+v", update)
	}

	_ = laptop.Close()
	left := await(t, phone, realtime.EventDeviceSync)
	_ = json.Unmarshal(left.Data, &sync)
	if sync.Event != "left" || sync.DeviceCount != 1 {
		t.Fatalf("device left: %+v", sync)
	}
}

func TestSocketBatchAccessRepliesToCallerOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "")
	authenticate(t, a, "u1")

	send(t, a, realtime.EventCheckAccessBatch, map[string]interface{}{"contentSetIds": []string{"free", "paid", "missing"}}, "b1")
	f := await(t, a, realtime.EventBatchAccessResult)
	var body struct {
		Results []services.AccessResult `json:"results"`
	}
	if err := json.Unmarshal(f.Data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 3 || !body.Results[0].HasAccess || body.Results[1].HasAccess || body.Results[2].HasAccess {
		t.Fatalf("results: %+v", body.Results)
	}
}

func TestBeaconAlwaysAcknowledges(t *testing.T) {
	env := newTestEnv(t)
	device := env.dial(t, "")
	authenticate(t, device, "u1")

	cases := []struct {
		name string
		body string
	}{
		{"garbage", `{not json`},
		{"no token", `{"userId":"u1","contentSetId":"free","progress":[{"questionId":"free-q1","isCorrect":true}]}`},
		{"valid", `{"userId":"u1","contentSetId":"free","sessionId":"s1","token":"` + accessToken(t, "u1") + `","progress":[{"questionId":"free-q2","isCorrect":false,"timeSpent":3000}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/api/progress/sync", "text/plain", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			var out Response
			_ = json.NewDecoder(resp.Body).Decode(&out)
			if resp.StatusCode != http.StatusOK || !out.Success {
				t.Fatalf("status %d success %v", resp.StatusCode, out.Success)
			}
		})
	}

	f := await(t, device, realtime.EventProgressUpdate)
	var update engine.ProgressUpdate
	_ = json.Unmarshal(f.Data, &update)
	if update.Source != engine.SourceBeacon || update.QuestionID != "free-q2" || update.SessionID != "s1" {
		t.Fatalf("beacon update: %+v", update)
	}
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRESTAuthAndRoles(t *testing.T) {
	env := newTestEnv(t)
	base := env.http.URL

	if resp, _ := doJSON(t, http.MethodGet, base+"/api/progress/summary", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("summary without token: %d", resp.StatusCode)
	}
	if resp, out := doJSON(t, http.MethodGet, base+"/api/progress/summary", accessToken(t, "u1"), ""); resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("summary: %d %+v", resp.StatusCode, out)
	}

	purchase := `{"userId":"u1","contentSetId":"paid","status":"active"}`
	if resp, _ := doJSON(t, http.MethodPost, base+"/api/admin/purchases", accessToken(t, "u1"), purchase); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin purchase: %d", resp.StatusCode)
	}
	if resp, out := doJSON(t, http.MethodPost, base+"/api/admin/purchases", accessToken(t, "ops", "ADMIN"), purchase); resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin purchase: %d %+v", resp.StatusCode, out)
	}

	resp, out := doJSON(t, http.MethodGet, base+"/api/entitlements/paid", accessToken(t, "u1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check access: %d", resp.StatusCode)
	}
	data, _ := json.Marshal(out.Data)
	var access services.AccessResult
	_ = json.Unmarshal(data, &access)
	if !access.HasAccess || !access.IsPaid {
		t.Fatalf("access after purchase: %+v", access)
	}

	if resp, out := doJSON(t, http.MethodGet, base+"/api/entitlements/nope", accessToken(t, "u1"), ""); resp.StatusCode != http.StatusNotFound || out.Code != string(services.KindNotFound) {
		t.Fatalf("unknown set: %d %+v", resp.StatusCode, out)
	}
}

func TestRESTAnswerRejectsForeignUser(t *testing.T) {
	env := newTestEnv(t)
	url := env.http.URL + "/api/progress/sets/free/answers"
	body := `{"userId":"u2","questionId":"free-q1","isCorrect":true}`
	if resp, _ := doJSON(t, http.MethodPost, url, accessToken(t, "u1"), body); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign user answer: %d", resp.StatusCode)
	}
	if resp, out := doJSON(t, http.MethodPost, url, accessToken(t, "u1"), `{"questionId":"free-q1","isCorrect":true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("answer: %d %+v", resp.StatusCode, out)
	}
	if resp, _ := doJSON(t, http.MethodPost, url, accessToken(t, "u1"), `{"questionId":"free-q1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing isCorrect: %d", resp.StatusCode)
	}
}

func TestTokenBucketWithoutRedisPassesThrough(t *testing.T) {
	limiter := TokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, nil)
	calls := 0
	h := limiter(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/entitlements/redeem", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("call %d: %d", i, rec.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestResolveClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4410"
	if got := resolveClientIP(r); got != "10.0.0.5" {
		t.Fatalf("remote addr: %s", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := resolveClientIP(r); got != "203.0.113.9" {
		t.Fatalf("forwarded: %s", got)
	}
}
