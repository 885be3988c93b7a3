package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeJoin  = "join_activity"
	InboundTypeLeave = "leave_activity"
	InboundTypePing  = "ping"

	OutboundTypeAccepted        = "connection_accepted"
	OutboundTypeCapacityWarning = "capacity_warning"
	OutboundTypeRejected        = "connection_rejected"
	OutboundTypeJoined          = "activity_joined"
	OutboundTypeParticipantIn   = "participant_joined"
	OutboundTypeParticipantOut  = "participant_left"
	OutboundTypeActionAck       = "action_ack"
	OutboundTypeActionFailed    = "action_failed"
	OutboundTypeSessionReplaced = "session_replaced"
	OutboundTypeError           = "error"
	OutboundTypePong            = "pong"
)

// JoinData requests to enter an activity room.
type JoinData struct {
	ActivityID string `json:"activityId" validate:"required,max=128"`
	UserID     string `json:"userId" validate:"required,max=128"`
	UserName   string `json:"userName" validate:"max=128"`
}

// MutationData carries a domain change. Payload is relayed untouched.
type MutationData struct {
	ActivityID string          `json:"activityId,omitempty" validate:"omitempty,max=128"`
	Payload    json.RawMessage `json:"payload"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Admission describes the capacity decision sent right after the handshake.
type Admission struct {
	Code               string `json:"code,omitempty"`
	Message            string `json:"message,omitempty"`
	CurrentConnections int    `json:"currentConnections"`
	MaxConnections     int    `json:"maxConnections"`
}

// HistoryEvent is a stored domain event replayed on join.
type HistoryEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// ActivityJoined confirms a join.
type ActivityJoined struct {
	ActivityID   string         `json:"activityId"`
	Participants int            `json:"participants"`
	Phase        string         `json:"phase,omitempty"`
	History      []HistoryEvent `json:"history"`
}

// Presence notifies room members about a participant joining or leaving.
type Presence struct {
	ActivityID   string `json:"activityId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName,omitempty"`
	Participants int    `json:"participants"`
}

// DomainEvent is a relayed activity change; the envelope type is the
// event type.
type DomainEvent struct {
	ActivityID string          `json:"activityId"`
	UserID     string          `json:"userId,omitempty"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TS         int64           `json:"ts"`
}

// ActionAck confirms that the sender's change was applied.
type ActionAck struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// ActionFailed tells the sender its change was not applied.
type ActionFailed struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionReplaced is sent before a displaced connection is closed.
type SessionReplaced struct {
	ActivityID string `json:"activityId"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Millis converts t to unix milliseconds, the timestamp unit on the wire.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
