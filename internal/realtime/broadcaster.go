package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"quizsync-backend-go/internal/logger"
)

type PublishOptions struct {
	// ExceptConn leaves one connection out of the fan-out.
	ExceptConn string
	// Origin receives the frame with RequestID set so it doubles as an ack.
	Origin       string
	RequestID    string
	ContentSetID string
	// Timestamp is the commit time of the change; zero means now.
	Timestamp time.Time
}

// Broadcaster is the only path from the engine to client sockets. Publish
// assigns the per-user sequence number and enqueues under one lock, so frames
// reach every peer's queue in publish order.
type Broadcaster struct {
	registry *Registry
	log      *logger.Logger
	now      func() time.Time

	mu  sync.Mutex
	seq map[string]uint64
}

func NewBroadcaster(registry *Registry, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Nop()
	}
	return &Broadcaster{
		registry: registry,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		seq:      map[string]uint64{},
	}
}

// Publish fans data out to the user's connections and returns how many
// frames were enqueued. Delivery is at most once; a full buffer drops the
// frame for that peer.
func (b *Broadcaster) Publish(userID string, event EventType, data interface{}, opts PublishOptions) int {
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := b.registry.PeersOf(userID, opts.ExceptConn)
	if len(peers) == 0 {
		return 0
	}
	b.seq[userID]++
	env := Envelope{
		Type:         event,
		Data:         data,
		UserID:       userID,
		ContentSetID: opts.ContentSetID,
		Seq:          b.seq[userID],
		Timestamp:    ts.UTC(),
	}
	frame, err := json.Marshal(env)
	if err != nil {
		b.log.Error("broadcast: encode frame", "type", event, "user_id", userID, "error", err)
		return 0
	}
	var originFrame []byte
	if opts.Origin != "" && opts.RequestID != "" {
		env.RequestID = opts.RequestID
		if originFrame, err = json.Marshal(env); err != nil {
			originFrame = frame
		}
	}

	delivered := 0
	for _, c := range peers {
		out := frame
		if originFrame != nil && c.ID == opts.Origin {
			out = originFrame
		}
		if b.deliver(c, event, out) {
			delivered++
		}
	}
	return delivered
}

// Send replies to a single connection, bound or not.
func (b *Broadcaster) Send(connID string, event EventType, data interface{}, requestID string) bool {
	c, ok := b.registry.Client(connID)
	if !ok {
		return false
	}
	env := Envelope{Type: event, Data: data, RequestID: requestID, Timestamp: b.now()}
	if userID, bound := b.registry.UserOf(connID); bound {
		env.UserID = userID
	}
	frame, err := json.Marshal(env)
	if err != nil {
		b.log.Error("broadcast: encode reply", "type", event, "connection_id", connID, "error", err)
		return false
	}
	return b.deliver(c, event, frame)
}

func (b *Broadcaster) SendError(connID, message, code, requestID string) bool {
	return b.Send(connID, EventError, ErrorPayload{Message: message, Code: code, RequestID: requestID}, requestID)
}

func (b *Broadcaster) deliver(c *Client, event EventType, frame []byte) bool {
	if c.enqueue(frame) {
		eventsPublished.WithLabelValues(string(event)).Inc()
		return true
	}
	eventsDropped.WithLabelValues(string(event)).Inc()
	b.log.Warn("broadcast: frame dropped", "type", event, "connection_id", c.ID)
	return false
}
