package core

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/metrics"
)

// JoinPolicy decides what happens when a connection already in a room joins another.
type JoinPolicy int

const (
	// JoinMove leaves the current room and joins the new one atomically.
	JoinMove JoinPolicy = iota
	// JoinReject refuses the join with ErrAlreadyInRoom.
	JoinReject
)

// JoinResult describes a successful join.
type JoinResult struct {
	ActivityID string
	RoomSize   int
	// Previous is the room left by a move, valid when HasPrevious is set.
	Previous    Departure
	HasPrevious bool
	// Replaced lists connections of the same participant that were displaced.
	Replaced []Departure
}

// Departure describes a connection leaving a room.
type Departure struct {
	ConnectionID string
	ActivityID   string
	Participant  Participant
	RoomSize     int // size of the room after the departure
}

// DeliveryFailure records one recipient that did not receive a broadcast.
type DeliveryFailure struct {
	ConnectionID string
	Err          error
}

// BroadcastReport summarizes a fan-out.
type BroadcastReport struct {
	Delivered int
	Skipped   int // members that vanished from the registry
	Failed    []DeliveryFailure
}

// Router maps connections to activity rooms and fans events out to them.
//
// Room membership and the registry's room assignment are changed together
// while the router lock is held, so whenever the lock is free every registry
// entry's activity matches exactly one room's membership. Lock order is
// router, then registry.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	policy   JoinPolicy
	rooms    map[string]*room
	memberOf map[string]string // connection id -> activity id
	log      *zerolog.Logger
}

// NewRouter creates a router over reg.
func NewRouter(reg *Registry, policy JoinPolicy, logger *zerolog.Logger) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Router{
		registry: reg,
		policy:   policy,
		rooms:    make(map[string]*room),
		memberOf: make(map[string]string),
		log:      logger,
	}
}

// Policy returns the configured join policy.
func (r *Router) Policy() JoinPolicy {
	return r.policy
}

// Join adds a registered connection to the room of activityID.
// A connection of the same participant already in that room is displaced and
// reported in JoinResult.Replaced; the caller decides how to close it.
func (r *Router) Join(connID, activityID string, p Participant) (JoinResult, error) {
	if activityID == "" {
		return JoinResult{}, ErrBadRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registry.Lookup(connID); !ok {
		return JoinResult{}, ErrUnknownConnection
	}

	res := JoinResult{ActivityID: activityID}
	if current, ok := r.memberOf[connID]; ok {
		if current == activityID {
			return JoinResult{}, ErrAlreadyJoined
		}
		if r.policy == JoinReject {
			return JoinResult{}, ErrAlreadyInRoom
		}
		if dep, left := r.leaveLocked(connID); left {
			res.Previous, res.HasPrevious = dep, true
		}
	}

	rm, ok := r.rooms[activityID]
	if !ok {
		rm = newRoom(activityID)
		r.rooms[activityID] = rm
	}

	if other, taken := rm.byParticipant[p.ID]; taken && p.ID != "" && other != connID {
		if dep, left := r.leaveLocked(other); left {
			res.Replaced = append(res.Replaced, dep)
		}
		// leaveLocked may have dropped the room when it emptied.
		if r.rooms[activityID] == nil {
			r.rooms[activityID] = rm
		}
	}

	if err := r.registry.assign(connID, activityID, p); err != nil {
		if rm.empty() {
			delete(r.rooms, activityID)
		}
		metrics.RoomsCurrent.Set(float64(len(r.rooms)))
		return JoinResult{}, err
	}
	rm.add(connID, p)
	r.memberOf[connID] = activityID
	res.RoomSize = rm.size()
	metrics.RoomsCurrent.Set(float64(len(r.rooms)))
	return res, nil
}

// Leave removes a connection from its room. It is a no-op when the
// connection is not in any room.
func (r *Router) Leave(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

// Disconnection is the outcome of removing a connection entirely.
type Disconnection struct {
	Connection Connection
	Registered bool
	Departure  Departure
	LeftRoom   bool
}

// Disconnect removes a connection from its room and from the registry in one
// step. Calling it for an unknown connection is a no-op.
func (r *Router) Disconnect(connID string) Disconnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Disconnection
	d.Departure, d.LeftRoom = r.leaveLocked(connID)
	d.Connection, d.Registered = r.registry.Unregister(connID)
	return d
}

func (r *Router) leaveLocked(connID string) (Departure, bool) {
	activityID, ok := r.memberOf[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.memberOf, connID)

	dep := Departure{ConnectionID: connID, ActivityID: activityID}
	if rm, exists := r.rooms[activityID]; exists {
		dep.Participant, _ = rm.remove(connID)
		dep.RoomSize = rm.size()
		if rm.empty() {
			delete(r.rooms, activityID)
		}
	}
	if err := r.registry.assign(connID, "", dep.Participant); err != nil && !errors.Is(err, ErrUnknownConnection) {
		r.log.Error().Err(err).Str("connection_id", connID).Msg("clear room assignment")
	}
	metrics.RoomsCurrent.Set(float64(len(r.rooms)))
	return dep, true
}

// Broadcast delivers ev to every member of the room except exclude.
// Deliveries never block, so holding the lock for the fan-out keeps
// broadcasts on one room in invocation order. Per-recipient failures are
// collected and logged; an empty or unknown room is a successful no-op.
func (r *Router) Broadcast(activityID string, ev *Event, exclude string) BroadcastReport {
	var report BroadcastReport

	r.mu.Lock()
	if rm, ok := r.rooms[activityID]; ok {
		for connID := range rm.members {
			if connID == exclude {
				continue
			}
			conn, found := r.registry.Lookup(connID)
			if !found || conn.Sink == nil {
				report.Skipped++
				continue
			}
			if err := conn.Sink.Deliver(ev); err != nil {
				report.Failed = append(report.Failed, DeliveryFailure{ConnectionID: connID, Err: err})
				continue
			}
			report.Delivered++
		}
	}
	r.mu.Unlock()

	metrics.BroadcastDeliveries.Add(float64(report.Delivered))
	for _, f := range report.Failed {
		reason := "closed"
		if errors.Is(f.Err, ErrSlowConsumer) {
			reason = "slow_consumer"
		}
		metrics.BroadcastFailures.WithLabelValues(reason).Inc()
		r.log.Warn().Err(f.Err).Str("activity_id", activityID).Str("connection_id", f.ConnectionID).
			Msg("broadcast delivery failed")
	}
	return report
}

// RoomSize returns the number of connections in the room.
func (r *Router) RoomSize(activityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[activityID]; ok {
		return rm.size()
	}
	return 0
}

// Roster returns the participants currently in the room, ordered by name.
func (r *Router) Roster(activityID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[activityID]; ok {
		return rm.roster()
	}
	return nil
}

// Members returns the connection ids in the room.
func (r *Router) Members(activityID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[activityID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, rm.size())
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// ActivityOf returns the room a connection is in.
func (r *Router) ActivityOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	activityID, ok := r.memberOf[connID]
	return activityID, ok
}

// Rooms returns the number of non-empty rooms.
func (r *Router) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
