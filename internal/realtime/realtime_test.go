package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistryJoinLeave(t *testing.T) {
	reg := NewRegistry()
	a, b, other := NewClient(4), NewClient(4), NewClient(4)
	for _, c := range []*Client{a, b} {
		if err := reg.Join(c, "u1"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if err := reg.Join(other, "u2"); err != nil {
		t.Fatalf("join other: %v", err)
	}

	if got := len(reg.PeersOf("u1", "")); got != 2 {
		t.Fatalf("peers: want=2 got=%d", got)
	}
	peers := reg.PeersOf("u1", a.ID)
	if len(peers) != 1 || peers[0].ID != b.ID {
		t.Fatalf("peers except origin: %+v", peers)
	}

	userID, remaining := reg.Leave(a.ID)
	if userID != "u1" || remaining != 1 {
		t.Fatalf("leave a: user=%s remaining=%d", userID, remaining)
	}
	reg.Leave(b.ID)
	if reg.IsConnected("u1") {
		t.Fatalf("u1 should have no connections")
	}
	if !reg.IsConnected("u2") || reg.DeviceCount("u2") != 1 {
		t.Fatalf("u2 should keep its connection")
	}
	if counts := reg.Counts(); counts.Connections != 1 || counts.Users != 1 || counts.Authenticated != 1 {
		t.Fatalf("counts: %+v", counts)
	}
	if userID, _ := reg.Leave(a.ID); userID != "" {
		t.Fatalf("second leave must be a no-op, got user %s", userID)
	}
}

func TestRegistryAuthenticateMovesConnection(t *testing.T) {
	reg := NewRegistry()
	c := NewClient(1)
	reg.Register(c)
	if _, ok := reg.UserOf(c.ID); ok {
		t.Fatalf("registered connection must start unbound")
	}
	if _, err := reg.Authenticate(c.ID, "u1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	prev, err := reg.Authenticate(c.ID, "u2")
	if err != nil || prev != "u1" {
		t.Fatalf("re-authenticate: prev=%s err=%v", prev, err)
	}
	if reg.IsConnected("u1") {
		t.Fatalf("connection must leave the previous user's bucket")
	}
	if userID, _ := reg.UserOf(c.ID); userID != "u2" {
		t.Fatalf("user of connection: want=u2 got=%s", userID)
	}
	if _, err := reg.Authenticate("missing", "u1"); err != ErrUnknownConnection {
		t.Fatalf("unknown connection: %v", err)
	}
	if _, err := reg.Authenticate(c.ID, " "); err != ErrEmptyUser {
		t.Fatalf("empty user: %v", err)
	}
}

func TestPublishFansOutToOneUser(t *testing.T) {
	reg := NewRegistry()
	bc := NewBroadcaster(reg, nil)
	a, b, stranger := NewClient(8), NewClient(8), NewClient(8)
	_ = reg.Join(a, "u1")
	_ = reg.Join(b, "u1")
	_ = reg.Join(stranger, "u2")

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := bc.Publish("u1", EventProgressUpdate, map[string]string{"questionId": "Q1"}, PublishOptions{
		Origin: a.ID, RequestID: "req-1", ContentSetID: "S", Timestamp: ts,
	})
	if n != 2 {
		t.Fatalf("delivered: want=2 got=%d", n)
	}
	fromA, fromB := drain(t, a), drain(t, b)
	if len(fromA) != 1 || fromA[0].RequestID != "req-1" {
		t.Fatalf("origin frame: %+v", fromA)
	}
	if len(fromB) != 1 || fromB[0].RequestID != "" {
		t.Fatalf("peer frame: %+v", fromB)
	}
	if !fromB[0].Timestamp.Equal(ts) || fromB[0].ContentSetID != "S" || fromB[0].Seq != 1 {
		t.Fatalf("peer envelope: %+v", fromB[0])
	}
	if got := drain(t, stranger); len(got) != 0 {
		t.Fatalf("other users must not receive frames: %+v", got)
	}

	if n := bc.Publish("u1", EventProgressUpdate, nil, PublishOptions{ExceptConn: a.ID}); n != 1 {
		t.Fatalf("except origin: want=1 got=%d", n)
	}
	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("excluded connection received %d frames", len(got))
	}
}

func TestPublishKeepsOrderAndSequence(t *testing.T) {
	reg := NewRegistry()
	bc := NewBroadcaster(reg, nil)
	c := NewClient(16)
	_ = reg.Join(c, "u1")
	for i := 0; i < 5; i++ {
		bc.Publish("u1", EventProgressUpdate, map[string]int{"n": i}, PublishOptions{})
	}
	frames := drain(t, c)
	if len(frames) != 5 {
		t.Fatalf("frames: want=5 got=%d", len(frames))
	}
	for i, env := range frames {
		if env.Seq != uint64(i+1) {
			t.Fatalf("frame %d: seq=%d", i, env.Seq)
		}
		data := env.Data.(map[string]interface{})
		if int(data["n"].(float64)) != i {
			t.Fatalf("frame %d out of order: %v", i, data)
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	reg := NewRegistry()
	bc := NewBroadcaster(reg, nil)
	c := NewClient(1)
	_ = reg.Join(c, "u1")
	if n := bc.Publish("u1", EventAccessUpdate, nil, PublishOptions{}); n != 1 {
		t.Fatalf("first publish: want=1 got=%d", n)
	}
	if n := bc.Publish("u1", EventAccessUpdate, nil, PublishOptions{}); n != 0 {
		t.Fatalf("full buffer: want=0 got=%d", n)
	}
	c.Close()
	drain(t, c)
	if n := bc.Publish("u1", EventAccessUpdate, nil, PublishOptions{}); n != 0 {
		t.Fatalf("closed client: want=0 got=%d", n)
	}
}

func TestSendTargetsOneConnection(t *testing.T) {
	reg := NewRegistry()
	bc := NewBroadcaster(reg, nil)
	a, b := NewClient(4), NewClient(4)
	_ = reg.Join(a, "u1")
	_ = reg.Join(b, "u1")
	if !bc.SendError(a.ID, "Authentication required", "UNAUTHORIZED", "r9") {
		t.Fatalf("send error failed")
	}
	frames := drain(t, a)
	if len(frames) != 1 || frames[0].Type != EventError || frames[0].RequestID != "r9" {
		t.Fatalf("error frame: %+v", frames)
	}
	if len(drain(t, b)) != 0 {
		t.Fatalf("send must not reach peers")
	}
	if bc.Send("missing", EventAuthenticated, nil, "") {
		t.Fatalf("send to unknown connection must fail")
	}
}
