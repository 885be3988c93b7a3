package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/metrics"
	"github.com/vovakirdan/socialmap-server/internal/store"
)

const (
	defaultLobbyTimeout  = 30 * time.Second
	defaultSweepInterval = 5 * time.Second
	defaultHistoryLimit  = 50
	inboundBuffer        = 256
)

// HubOptions tunes the hub. Zero values fall back to defaults.
type HubOptions struct {
	// LobbyTimeout is how long a connection may stay outside any activity.
	LobbyTimeout time.Duration
	// SweepInterval is how often lobby connections are checked.
	SweepInterval time.Duration
	// HistoryLimit caps the events replayed on join.
	HistoryLimit int
	// StoreTimeout bounds one persistence operation including its retries.
	StoreTimeout time.Duration
}

func (o HubOptions) withDefaults() HubOptions {
	if o.LobbyTimeout <= 0 {
		o.LobbyTimeout = defaultLobbyTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.HistoryLimit < 0 {
		o.HistoryLimit = 0
	} else if o.HistoryLimit == 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	return o
}

type inbound struct {
	client   *Client
	cmd      *Command
	presence *job
}

// Hub coordinates clients, rooms and persistence.
//
// Commands from every client are funneled into a single loop. Work that needs
// the store is queued per activity and runs one job at a time for each
// activity, so persisted order and broadcast order agree. Store calls happen
// off the loop and report back through results.
type Hub struct {
	registry *Registry
	router   *Router
	store    store.ActivityStore
	opts     HubOptions
	log      *zerolog.Logger

	inbound chan inbound
	results chan jobResult
	quit    chan struct{}

	// Owned by the Run goroutine.
	runCtx  context.Context
	queues  map[string]*activityQueue
	joining map[string]int  // connection id -> joins waiting on the store
	pending map[string]*job // connection id -> latest requested join
	seq     int64
	now     func() time.Time
}

// NewHub creates a hub. A nil store disables persistence: joins start with an
// empty history and mutations are relayed without being stored.
func NewHub(reg *Registry, router *Router, st store.ActivityStore, opts HubOptions, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		registry: reg,
		router:   router,
		store:    st,
		opts:     opts.withDefaults(),
		log:      logger,
		inbound:  make(chan inbound, inboundBuffer),
		results:  make(chan jobResult, inboundBuffer),
		quit:     make(chan struct{}),
		runCtx:   context.Background(),
		queues:   make(map[string]*activityQueue),
		joining:  make(map[string]int),
		pending:  make(map[string]*job),
		now:      time.Now,
	}
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Router returns the activity router.
func (h *Hub) Router() *Router {
	return h.router
}

// RegisterClient runs admission for client. Admitted clients enter the lobby
// and their commands start flowing to the hub; a rejected client is not
// registered and the caller must close it.
func (h *Hub) RegisterClient(client *Client) (Decision, error) {
	d, err := h.registry.Admit(client.ID, client)
	if err != nil {
		return d, err
	}

	logger := h.log.With().Str("connection_id", client.ID).Int("current", d.Current).Int("max", d.Max).Logger()
	switch d.Kind {
	case Reject:
		logger.Info().Msg("connection rejected at capacity")
		return d, nil
	case AcceptWithWarning:
		logger.Warn().Msg("connection admitted above soft limit")
	default:
		logger.Debug().Msg("connection admitted")
	}

	go h.forward(client)
	return d, nil
}

// UnregisterClient releases everything held by client. It is safe to call
// more than once.
func (h *Hub) UnregisterClient(client *Client) {
	d := h.router.Disconnect(client.ID)
	client.Kick(CloseNormal)
	if !d.Registered {
		return
	}
	h.log.Debug().Str("connection_id", client.ID).Dur("connected_for", h.now().Sub(d.Connection.ConnectedAt)).
		Msg("connection released")
	if d.LeftRoom {
		h.announceLeave(d.Departure)
		h.postPresence(d.Departure, false)
	}
}

// Run processes commands until ctx is canceled. On return every remaining
// client has been kicked with CloseShutdown.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.quit)
	h.runCtx = ctx

	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case in := <-h.inbound:
			h.handle(in)
		case res := <-h.results:
			h.complete(res)
		case now := <-ticker.C:
			h.sweepLobby(now)
		}
	}
}

func (h *Hub) forward(client *Client) {
	for {
		select {
		case cmd := <-client.Commands:
			select {
			case h.inbound <- inbound{client: client, cmd: cmd}:
			case <-client.Done():
				return
			case <-h.quit:
				return
			}
		case <-client.Done():
			return
		case <-h.quit:
			return
		}
	}
}

// postPresence queues a presence update from outside the loop.
func (h *Hub) postPresence(dep Departure, connected bool) {
	if h.store == nil || dep.Participant.ID == "" {
		return
	}
	j := &job{kind: jobPresence, activityID: dep.ActivityID, participant: dep.Participant, connected: connected}
	select {
	case h.inbound <- inbound{presence: j}:
	case <-h.quit:
	}
}

func (h *Hub) handle(in inbound) {
	if in.presence != nil {
		h.enqueue(in.presence)
		return
	}

	client, cmd := in.client, in.cmd
	if cmd == nil {
		return
	}
	if _, ok := h.registry.Lookup(client.ID); !ok {
		return
	}
	h.registry.Touch(client.ID)

	switch cmd.Kind {
	case CommandJoinActivity:
		h.handleJoin(client, cmd)
	case CommandLeaveActivity:
		h.handleLeave(client)
	case CommandMutate:
		h.handleMutate(client, cmd)
	case CommandPing:
		h.deliver(client, &Event{Kind: EventPong})
	default:
		h.sendError(client, coreError(ErrCodeUnknownType, "unknown command"))
	}
}

func (h *Hub) handleJoin(client *Client, cmd *Command) {
	if cmd.ActivityID == "" || cmd.Participant.ID == "" {
		h.sendError(client, coreError(ErrCodeBadRequest, "activityId and userId are required"))
		return
	}
	if current, ok := h.router.ActivityOf(client.ID); ok {
		if current == cmd.ActivityID {
			h.sendError(client, coreError(ErrCodeAlreadyJoined, "already joined "+current))
			return
		}
		if h.router.Policy() == JoinReject {
			h.sendError(client, coreError(ErrCodeAlreadyInRoom, "leave "+current+" first"))
			return
		}
	}
	if prev, ok := h.pending[client.ID]; ok {
		if prev.activityID == cmd.ActivityID {
			h.sendError(client, coreError(ErrCodeAlreadyJoined, "join of "+prev.activityID+" in progress"))
			return
		}
		if h.router.Policy() == JoinReject {
			h.sendError(client, coreError(ErrCodeAlreadyInRoom, "join of "+prev.activityID+" in progress"))
			return
		}
	}

	// A newer join supersedes one still waiting on the store.
	j := &job{
		kind:        jobJoin,
		client:      client,
		activityID:  cmd.ActivityID,
		participant: cmd.Participant,
	}
	h.pending[client.ID] = j
	h.joining[client.ID]++
	h.enqueue(j)
}

func (h *Hub) handleLeave(client *Client) {
	dep, ok := h.router.Leave(client.ID)
	if !ok {
		h.sendError(client, coreError(ErrCodeNotInRoom, "not in any activity"))
		return
	}
	h.announceLeave(dep)
	h.enqueuePresenceOff(dep.ActivityID, dep.Participant)
}

func (h *Hub) handleMutate(client *Client, cmd *Command) {
	if !IsMutation(cmd.Event.Type) {
		h.sendError(client, coreError(ErrCodeUnknownType, "unsupported event type "+cmd.Event.Type))
		return
	}
	conn, ok := h.registry.Lookup(client.ID)
	if !ok || conn.InLobby() {
		h.actionFailed(client, cmd.Event.Type, coreError(ErrCodeNotInRoom, "join an activity first"))
		return
	}
	activityID := cmd.ActivityID
	if activityID == "" {
		activityID = conn.ActivityID
	}
	if activityID != conn.ActivityID {
		h.actionFailed(client, cmd.Event.Type, coreError(ErrCodeNotInRoom, "not joined to "+activityID))
		return
	}

	ev := cmd.Event
	ev.ActivityID = activityID
	ev.SenderID = conn.Participant.ID
	h.enqueue(&job{
		kind:        jobMutate,
		client:      client,
		activityID:  activityID,
		participant: conn.Participant,
		event:       ev,
	})
}

func (h *Hub) finishJoin(res jobResult) {
	j := res.job
	client := j.client
	h.doneJoining(client.ID)

	if h.pending[client.ID] != j {
		if res.err == nil {
			h.enqueuePresenceOff(j.activityID, j.participant)
		}
		h.log.Debug().Str("connection_id", client.ID).Str("activity_id", j.activityID).Msg("superseded join dropped")
		return
	}
	delete(h.pending, client.ID)

	if res.err != nil {
		ce := persistenceError(res.err)
		h.log.Warn().Err(res.err).Str("connection_id", client.ID).Str("activity_id", j.activityID).
			Msg("join failed")
		h.sendError(client, ce)
		return
	}

	jr, err := h.router.Join(client.ID, j.activityID, j.participant)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownConnection):
			// Disconnected while the store was answering.
			h.enqueuePresenceOff(j.activityID, j.participant)
		case errors.Is(err, ErrAlreadyJoined):
			h.sendError(client, coreError(ErrCodeAlreadyJoined, "already joined "+j.activityID))
		case errors.Is(err, ErrAlreadyInRoom):
			h.enqueuePresenceOff(j.activityID, j.participant)
			h.sendError(client, coreError(ErrCodeAlreadyInRoom, "leave the current activity first"))
		default:
			h.sendError(client, coreError(ErrCodeBadRequest, err.Error()))
		}
		return
	}

	if jr.HasPrevious {
		h.announceLeave(jr.Previous)
		h.enqueuePresenceOff(jr.Previous.ActivityID, jr.Previous.Participant)
	}
	for _, dep := range jr.Replaced {
		if conn, ok := h.registry.Lookup(dep.ConnectionID); ok && conn.Sink != nil {
			_ = conn.Sink.Deliver(&Event{Kind: EventSessionReplaced, ActivityID: dep.ActivityID, Participant: dep.Participant})
			conn.Sink.Kick(CloseReplaced)
		}
		h.log.Info().Str("connection_id", dep.ConnectionID).Str("replaced_by", client.ID).
			Str("participant_id", dep.Participant.ID).Msg("session replaced")
	}

	joined := &Event{
		Kind:         EventActivityJoined,
		ActivityID:   j.activityID,
		Participant:  j.participant,
		Participants: jr.RoomSize,
	}
	if res.snapshot != nil {
		joined.Phase = res.snapshot.Activity.Phase
		joined.History = make([]DomainEvent, 0, len(res.snapshot.History))
		for _, ev := range res.snapshot.History {
			joined.History = append(joined.History, domainEventFromStore(ev))
		}
	}
	h.deliver(client, joined)

	h.router.Broadcast(j.activityID, &Event{
		Kind:         EventParticipantJoined,
		ActivityID:   j.activityID,
		Participant:  j.participant,
		Participants: jr.RoomSize,
	}, client.ID)

	h.log.Info().Str("connection_id", client.ID).Str("activity_id", j.activityID).
		Str("participant_id", j.participant.ID).Int("participants", jr.RoomSize).Msg("joined activity")
}

func (h *Hub) finishMutate(res jobResult) {
	j := res.job
	if res.err != nil {
		h.log.Warn().Err(res.err).Str("connection_id", j.client.ID).Str("activity_id", j.activityID).
			Str("type", j.event.Type).Msg("mutation not applied")
		h.actionFailed(j.client, j.event.Type, persistenceError(res.err))
		return
	}

	ev := res.event
	h.router.Broadcast(j.activityID, &Event{
		Kind:        EventDomain,
		ActivityID:  j.activityID,
		Participant: j.participant,
		Domain:      &ev,
	}, j.client.ID)
	h.deliver(j.client, &Event{
		Kind:       EventActionAck,
		ActivityID: j.activityID,
		ActionType: ev.Type,
		Domain:     &ev,
	})
}

func (h *Hub) announceLeave(dep Departure) {
	h.router.Broadcast(dep.ActivityID, &Event{
		Kind:         EventParticipantLeft,
		ActivityID:   dep.ActivityID,
		Participant:  dep.Participant,
		Participants: dep.RoomSize,
	}, dep.ConnectionID)
	h.log.Info().Str("connection_id", dep.ConnectionID).Str("activity_id", dep.ActivityID).
		Int("participants", dep.RoomSize).Msg("left activity")
}

func (h *Hub) enqueuePresenceOff(activityID string, p Participant) {
	if h.store == nil || p.ID == "" {
		return
	}
	h.enqueue(&job{kind: jobPresence, activityID: activityID, participant: p})
}

// sweepLobby closes connections that stayed in the lobby past the timeout.
// Connections with a join waiting on the store are left alone.
func (h *Hub) sweepLobby(now time.Time) {
	var stale []Connection
	h.registry.ForEach(func(c Connection) {
		if c.InLobby() && h.joining[c.ID] == 0 && now.Sub(c.LobbySince) >= h.opts.LobbyTimeout {
			stale = append(stale, c)
		}
	})

	for _, c := range stale {
		d := h.router.Disconnect(c.ID)
		if !d.Registered {
			continue
		}
		if c.Sink != nil {
			_ = c.Sink.Deliver(&Event{Kind: EventError, Error: coreError(ErrCodeJoinTimeout, "no activity joined in time")})
			c.Sink.Kick(CloseJoinTimeout)
		}
		metrics.LobbyTimeouts.Inc()
		h.log.Info().Str("connection_id", c.ID).Dur("idle", now.Sub(c.LobbySince)).Msg("lobby connection timed out")
	}
}

func (h *Hub) shutdown() {
	n := 0
	h.registry.ForEach(func(c Connection) {
		if c.Sink != nil {
			c.Sink.Kick(CloseShutdown)
		}
		n++
	})
	h.log.Info().Int("clients", n).Msg("hub stopped")
}

func (h *Hub) deliver(client *Client, ev *Event) {
	if err := client.Deliver(ev); err != nil && !errors.Is(err, ErrConnectionClosed) {
		h.log.Warn().Err(err).Str("connection_id", client.ID).Msg("dropping event")
	}
}

func (h *Hub) sendError(client *Client, ce *CoreError) {
	h.deliver(client, &Event{Kind: EventError, Error: ce})
}

func (h *Hub) actionFailed(client *Client, actionType string, ce *CoreError) {
	h.deliver(client, &Event{Kind: EventActionFailed, ActionType: actionType, Error: ce})
}

func persistenceError(err error) *CoreError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return coreError(ErrCodeActivityNotFound, "activity not found")
	case errors.Is(err, store.ErrInvalidEvent):
		return coreError(ErrCodeBadRequest, "invalid event payload")
	default:
		return coreError(ErrCodePersistenceUnavailable, "persistence unavailable, try again")
	}
}

func domainEventFromStore(ev store.Event) DomainEvent {
	return DomainEvent{
		Seq:        ev.Seq,
		Type:       ev.Type,
		ActivityID: ev.ActivityID,
		SenderID:   ev.SenderID,
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt,
	}
}
