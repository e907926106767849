package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socketSession is owned by the connection's read goroutine; handlers run on
// it one at a time, so userID needs no lock.
type socketSession struct {
	server *Server
	client *realtime.Client
	userID string
}

// Socket upgrades to the sync channel. A ?token= query parameter binds the
// connection right away; otherwise the client sends authenticate first.
func (s *Server) Socket(w http.ResponseWriter, r *http.Request) {
	preUser := ""
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := s.Tokens.Access(token)
		if err != nil {
			WriteErrorCode(w, http.StatusUnauthorized, string(services.KindUnauthorized), "Authentication failed")
			return
		}
		preUser = claims.UserID
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(realtime.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtime.PongWait))
	})

	client := realtime.NewClient(s.Config.WSSendBuffer)
	s.registry().Register(client)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if err := client.WritePump(conn); err != nil {
			s.Log.Debug("socket write stopped", "connection_id", client.ID, "error", err)
		}
	}()

	sess := &socketSession{server: s, client: client}
	ctx := r.Context()
	if preUser != "" {
		if err := sess.bind(preUser, ""); err != nil {
			s.Log.Warn("socket pre-auth failed", "connection_id", client.ID, "error", err)
		}
	}
	s.Log.Debug("socket opened", "connection_id", client.ID, "user_id", sess.userID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		sess.dispatch(ctx, data)
	}

	userID, remaining := s.registry().Leave(client.ID)
	if userID != "" && remaining > 0 {
		s.broadcaster().Publish(userID, realtime.EventDeviceSync, realtime.DeviceSyncPayload{
			Event:        "left",
			ConnectionID: client.ID,
			DeviceCount:  remaining,
		}, realtime.PublishOptions{})
	}
	client.Close()
	<-pumpDone
	_ = conn.Close()
	s.Log.Debug("socket closed", "connection_id", client.ID, "user_id", userID)
}

// bind attaches the session to userID and tells the user's other devices.
func (sess *socketSession) bind(userID, requestID string) error {
	prev, err := sess.server.registry().Authenticate(sess.client.ID, userID)
	if err != nil {
		return err
	}
	sess.userID = userID
	reg := sess.server.registry()
	b := sess.server.broadcaster()
	if prev != "" && prev != userID {
		b.Publish(prev, realtime.EventDeviceSync, realtime.DeviceSyncPayload{
			Event:        "left",
			ConnectionID: sess.client.ID,
			DeviceCount:  reg.DeviceCount(prev),
		}, realtime.PublishOptions{})
	}
	b.Send(sess.client.ID, realtime.EventAuthenticated, map[string]interface{}{
		"success":      true,
		"userId":       userID,
		"connectionId": sess.client.ID,
	}, requestID)
	if prev != userID {
		b.Publish(userID, realtime.EventDeviceSync, realtime.DeviceSyncPayload{
			Event:        "joined",
			ConnectionID: sess.client.ID,
			DeviceCount:  reg.DeviceCount(userID),
		}, realtime.PublishOptions{ExceptConn: sess.client.ID})
	}
	return nil
}

func (sess *socketSession) reply(event realtime.EventType, data interface{}, requestID string) {
	sess.server.broadcaster().Send(sess.client.ID, event, data, requestID)
}

func (sess *socketSession) fail(err error, event realtime.EventType, requestID string) {
	serr := services.AsServiceError(err)
	if serr.Kind == services.KindStore {
		sess.server.Log.Error("socket event failed",
			"event", event,
			"connection_id", sess.client.ID,
			"user_id", sess.userID,
			"error", err,
		)
	}
	sess.server.broadcaster().SendError(sess.client.ID, serr.Message, serr.Code(), requestID)
}

func decodeData(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return services.ErrValidation("Invalid payload")
	}
	return nil
}
