package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an activity does not exist.
	ErrNotFound = errors.New("activity not found")
	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("persistence unavailable")
	// ErrInvalidEvent is returned when an event payload cannot be applied.
	ErrInvalidEvent = errors.New("invalid event payload")
)

// Activity represents one social-mapping session document.
type Activity struct {
	ID        string
	Name      string
	Phase     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant is a user recorded against an activity.
type Participant struct {
	ID        string
	Name      string
	Connected bool
	JoinedAt  time.Time
	LastSeen  time.Time
}

// Event is a domain event applied to an activity.
// Payload is stored as-is; only PhaseChanged payloads are inspected.
type Event struct {
	Seq        int64
	ActivityID string
	Type       string
	SenderID   string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// EventTypePhaseChanged moves an activity to the phase named in its payload.
const EventTypePhaseChanged = "phase_changed"

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, context.Canceled)
}

// JoinSnapshot is what a participant needs when entering an activity.
type JoinSnapshot struct {
	Activity Activity
	History  []Event
}

// ActivityStore is the persistence bridge for activity documents.
type ActivityStore interface {
	// GetActivity retrieves an activity by id or returns ErrNotFound.
	GetActivity(ctx context.Context, id string) (*Activity, error)

	// JoinActivity records the participant as connected and returns the
	// activity state with up to historyLimit most recent events, oldest first.
	JoinActivity(ctx context.Context, activityID string, p Participant, historyLimit int) (*JoinSnapshot, error)

	// SetPresence updates a participant's connected flag.
	SetPresence(ctx context.Context, activityID, participantID string, connected bool) error

	// ListParticipants returns every participant recorded for the activity.
	ListParticipants(ctx context.Context, activityID string) ([]Participant, error)

	// AppendEvent persists ev and returns it with Seq and CreatedAt assigned.
	AppendEvent(ctx context.Context, ev Event) (*Event, error)

	// ListEvents returns up to limit most recent events, oldest first.
	ListEvents(ctx context.Context, activityID string, limit int) ([]Event, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
