package core

import (
	"sync"
	"time"

	"github.com/vovakirdan/socialmap-server/internal/metrics"
)

// Sink receives events for one live connection.
type Sink interface {
	// Deliver queues ev without blocking; it fails with ErrConnectionClosed
	// or ErrSlowConsumer instead of waiting.
	Deliver(ev *Event) error
	// Kick asks the transport to close the connection for reason.
	Kick(reason CloseReason)
}

// Participant identifies the user behind a connection.
// ID is stable across reconnects; Name is only for display.
type Participant struct {
	ID   string
	Name string
}

// Connection is a registry entry. The registry hands out copies, so a
// Connection value never changes after it is returned.
type Connection struct {
	ID           string
	ActivityID   string // empty while the connection is in the lobby
	Participant  Participant
	ConnectedAt  time.Time
	LastActivity time.Time
	LobbySince   time.Time // when the connection last entered the lobby
	Sink         Sink
}

// InLobby reports whether the connection has not joined an activity.
func (c Connection) InLobby() bool {
	return c.ActivityID == ""
}

// Registry is the single source of truth for live connections.
//
// All methods are safe for concurrent use. Admission evaluates the capacity
// gate and inserts the entry under one lock, so concurrent attempts can never
// push the count past the hard limit.
type Registry struct {
	mu         sync.RWMutex
	thresholds Thresholds
	entries    map[string]*Connection
	now        func() time.Time
}

// NewRegistry creates an empty registry gated by t.
func NewRegistry(t Thresholds) *Registry {
	return &Registry{
		thresholds: t,
		entries:    make(map[string]*Connection),
		now:        time.Now,
	}
}

// Thresholds returns the admission limits.
func (r *Registry) Thresholds() Thresholds {
	return r.thresholds
}

// Admit evaluates the capacity gate for a new connection and, unless the
// decision is Reject, registers it in the same critical section.
func (r *Registry) Admit(id string, sink Sink) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return Decision{Kind: Reject, Current: len(r.entries), Max: r.thresholds.Hard}, ErrDuplicateConnection
	}

	d := Evaluate(len(r.entries), r.thresholds)
	metrics.RecordAdmission(d.Kind.String())
	if d.Kind == Reject {
		return d, nil
	}

	now := r.now()
	r.entries[id] = &Connection{
		ID:           id,
		ConnectedAt:  now,
		LastActivity: now,
		LobbySince:   now,
		Sink:         sink,
	}
	metrics.SetConnections(len(r.entries))
	return d, nil
}

// Register adds a connection, failing with ErrCapacityExceeded when the gate
// rejects it. It never drops an entry silently.
func (r *Registry) Register(id string, sink Sink) (Connection, error) {
	d, err := r.Admit(id, sink)
	if err != nil {
		return Connection{}, err
	}
	if d.Kind == Reject {
		return Connection{}, ErrCapacityExceeded
	}
	conn, _ := r.Lookup(id)
	return conn, nil
}

// Unregister removes a connection. Unknown ids are a no-op, which makes
// duplicate disconnect notifications harmless.
func (r *Registry) Unregister(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.entries[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.entries, id)
	metrics.SetConnections(len(r.entries))
	return *conn, true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity derives the capacity snapshot for the current count.
func (r *Registry) Capacity() CapacitySnapshot {
	return SnapshotCapacity(r.Count(), r.thresholds)
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.entries[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Touch records activity on a connection.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.entries[id]; ok {
		conn.LastActivity = r.now()
	}
}

// ForEach visits a snapshot of all connections taken when the call starts.
// Connections registered or removed while visiting are not reflected, and no
// connection is visited twice.
func (r *Registry) ForEach(visit func(Connection)) {
	r.mu.RLock()
	snapshot := make([]Connection, 0, len(r.entries))
	for _, conn := range r.entries {
		snapshot = append(snapshot, *conn)
	}
	r.mu.RUnlock()

	for _, conn := range snapshot {
		visit(conn)
	}
}

// assign sets or clears (empty activityID) the room of a connection.
// Only the Router calls it, while holding its own lock.
func (r *Registry) assign(id, activityID string, p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.entries[id]
	if !ok {
		return ErrUnknownConnection
	}
	now := r.now()
	if activityID == "" && conn.ActivityID != "" {
		conn.LobbySince = now
	}
	conn.ActivityID = activityID
	conn.Participant = p
	conn.LastActivity = now
	return nil
}
