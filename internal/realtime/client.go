package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultSendBuffer = 64
	PingInterval      = 30 * time.Second
	PongWait          = 60 * time.Second
	WriteWait         = 10 * time.Second
	MaxMessageSize    = 64 * 1024
)

// Client is one device connection. The send channel is only ever drained by
// WritePump, which makes it the single writer of the socket.
type Client struct {
	ID       string
	JoinedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:       uuid.NewString(),
		JoinedAt: time.Now().UTC(),
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// enqueue never blocks; false means the frame was dropped.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Frames still queued are discarded.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Outbound exposes queued frames to consumers that are not a websocket, such
// as in-process tests.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// WritePump writes queued frames and keepalive pings until the client is
// closed or a write fails.
func (c *Client) WritePump(conn *websocket.Conn) error {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return err
			}
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
