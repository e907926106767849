package realtime

import (
	"encoding/json"
	"time"
)

type EventType string

// Inbound events.
const (
	EventAuthenticate     EventType = "authenticate"
	EventProgressUpdate   EventType = "progress:update"
	EventProgressDetailed EventType = "progress:detailed"
	EventProgressGet      EventType = "progress:get"
	EventProgressSummary  EventType = "progress:summary"
	EventProgressReset    EventType = "progress:reset"
	EventCheckAccess      EventType = "questionSet:checkAccess"
	EventCheckAccessBatch EventType = "questionSet:checkAccessBatch"
	EventRedeem           EventType = "questionSet:redeem"
	EventSyncAccessRights EventType = "user:syncAccessRights"
)

// Outbound events. progress:update and progress:summary are used both ways.
const (
	EventAuthenticated       EventType = "authenticated"
	EventProgressData        EventType = "progress:data"
	EventProgressResetResult EventType = "progress:reset:result"
	EventAccessUpdate        EventType = "questionSet:accessUpdate"
	EventBatchAccessResult   EventType = "questionSet:batchAccessResult"
	EventRedeemResult        EventType = "questionSet:redeemResult"
	EventAccessRightsUpdated EventType = "user:accessRightsUpdated"
	EventDeviceSync          EventType = "user:deviceSync"
	EventError               EventType = "error"
)

// Envelope is the frame written to sockets. Seq grows per user and Timestamp
// is the commit time of the change; clients keep the newest timestamp per
// content set and drop older frames.
type Envelope struct {
	Type         EventType   `json:"type"`
	Data         interface{} `json:"data,omitempty"`
	RequestID    string      `json:"requestId,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	ContentSetID string      `json:"contentSetId,omitempty"`
	Seq          uint64      `json:"seq,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Inbound is a frame read from a socket.
type Inbound struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

type DeviceSyncPayload struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connectionId"`
	DeviceCount  int    `json:"deviceCount"`
}
