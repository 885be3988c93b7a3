package core

import (
	"encoding/json"
	"time"
)

// Domain event types relayed between participants of an activity.
const (
	TypeTagAdded          = "tag_added"
	TypeTagVoted          = "tag_voted"
	TypeTagDeleted        = "tag_deleted"
	TypeMappingUpdated    = "mapping_updated"
	TypePhaseChanged      = "phase_changed"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
)

// IsMutation reports whether clients may send events of type t.
// Participant presence events are produced by the server only.
func IsMutation(t string) bool {
	switch t {
	case TypeTagAdded, TypeTagVoted, TypeTagDeleted, TypeMappingUpdated, TypePhaseChanged:
		return true
	default:
		return false
	}
}

// DomainEvent is a relayed activity change. The payload is opaque to the
// core; only the routing fields are interpreted.
type DomainEvent struct {
	Seq        int64
	Type       string
	ActivityID string
	SenderID   string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventConnectionAccepted confirms admission.
	EventConnectionAccepted EventKind = iota
	// EventCapacityWarning tells an admitted client the server is under high load.
	EventCapacityWarning
	// EventConnectionRejected tells a client it was refused; the connection closes next.
	EventConnectionRejected
	// EventActivityJoined confirms a join and carries the activity state.
	EventActivityJoined
	// EventParticipantJoined notifies room members about a new participant.
	EventParticipantJoined
	// EventParticipantLeft notifies room members that a participant left.
	EventParticipantLeft
	// EventDomain relays a persisted domain event.
	EventDomain
	// EventActionAck confirms to the sender that its action was persisted.
	EventActionAck
	// EventActionFailed tells the sender its action was not applied.
	EventActionFailed
	// EventSessionReplaced tells a connection another one took over its participant.
	EventSessionReplaced
	// EventError notifies clients about a domain error.
	EventError
	// EventPong answers a ping.
	EventPong
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind         EventKind
	ActivityID   string
	Participant  Participant
	Participants int // room size after the change
	Phase        string
	Decision     *Decision     // admission events
	Domain       *DomainEvent  // EventDomain, EventActionAck
	History      []DomainEvent // EventActivityJoined
	ActionType   string        // EventActionAck, EventActionFailed
	Error        *CoreError    // EventError, EventActionFailed
}

// CloseReason tells the transport why the core wants a connection closed.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseCapacity
	CloseJoinTimeout
	CloseReplaced
	CloseShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseCapacity:
		return "capacity exceeded"
	case CloseJoinTimeout:
		return "join timeout"
	case CloseReplaced:
		return "session replaced"
	case CloseShutdown:
		return "server shutting down"
	default:
		return "closing"
	}
}
