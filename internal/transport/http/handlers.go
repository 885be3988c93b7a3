package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/health"
	"github.com/vovakirdan/socialmap-server/internal/proto"
	"github.com/vovakirdan/socialmap-server/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthHandlers serves health and capacity endpoints.
type HealthHandlers struct {
	reporter *health.Reporter
	registry *core.Registry
}

// NewHealthHandlers creates health handlers.
func NewHealthHandlers(reporter *health.Reporter, registry *core.Registry) *HealthHandlers {
	return &HealthHandlers{reporter: reporter, registry: registry}
}

// LiveResponse is returned by the liveness check.
type LiveResponse struct {
	Alive         bool    `json:"alive"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Health returns the full health report.
// GET /health
func (h *HealthHandlers) Health(c *gin.Context) {
	rep := h.reporter.Snapshot(c.Request.Context())
	status := http.StatusOK
	if !rep.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rep)
}

// Live reports that the process is serving requests.
// GET /health/live
func (h *HealthHandlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, LiveResponse{Alive: true, UptimeSeconds: h.reporter.Uptime().Seconds()})
}

// Capacity returns the current capacity snapshot.
// GET /api/capacity
func (h *HealthHandlers) Capacity(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Capacity())
}

// ActivityHandlers serves read-only views of activity rooms.
type ActivityHandlers struct {
	router *core.Router
	store  store.ActivityStore
	log    *zerolog.Logger
}

// NewActivityHandlers creates activity handlers. st may be nil.
func NewActivityHandlers(router *core.Router, st store.ActivityStore, logger *zerolog.Logger) *ActivityHandlers {
	return &ActivityHandlers{router: router, store: st, log: logger}
}

// ParticipantResponse represents a participant in API responses.
type ParticipantResponse struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Connected bool   `json:"connected"`
	LastSeen  string `json:"lastSeen,omitempty"`
}

// PresenceResponse lists who is in an activity.
type PresenceResponse struct {
	ActivityID   string                `json:"activityId"`
	Connected    int                   `json:"connected"`
	Participants []ParticipantResponse `json:"participants"`
}

// Presence returns the live room roster merged with stored participants.
// GET /api/activities/:id/presence
func (h *ActivityHandlers) Presence(c *gin.Context) {
	activityID := c.Param("id")
	roster := h.router.Roster(activityID)

	resp := PresenceResponse{
		ActivityID:   activityID,
		Connected:    len(roster),
		Participants: make([]ParticipantResponse, 0, len(roster)),
	}

	live := make(map[string]bool, len(roster))
	for _, p := range roster {
		live[p.ID] = true
		resp.Participants = append(resp.Participants, ParticipantResponse{UserID: p.ID, UserName: p.Name, Connected: true})
	}

	if h.store == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	stored, err := h.store.ListParticipants(c.Request.Context(), activityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if len(roster) == 0 {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "activity not found"})
			return
		}
	case err != nil:
		h.log.Warn().Err(err).Str("activity_id", activityID).Msg("failed to list participants")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "persistence unavailable"})
		return
	}

	for _, p := range stored {
		if live[p.ID] {
			continue
		}
		resp.Participants = append(resp.Participants, ParticipantResponse{
			UserID:   p.ID,
			UserName: p.Name,
			LastSeen: p.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 200
)

// ActivityResponse is the stored state of an activity with its latest events.
type ActivityResponse struct {
	ActivityID string               `json:"activityId"`
	Name       string               `json:"name"`
	Phase      string               `json:"phase"`
	Connected  int                  `json:"connected"`
	UpdatedAt  string               `json:"updatedAt"`
	Events     []proto.HistoryEvent `json:"events"`
}

// Activity returns the stored activity and its most recent events, oldest first.
// GET /api/activities/:id?limit=N
func (h *ActivityHandlers) Activity(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "persistence disabled"})
		return
	}

	limit := defaultEventsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventsLimit)
	}

	activityID := c.Param("id")
	ctx := c.Request.Context()

	activity, err := h.store.GetActivity(ctx, activityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "activity not found"})
		return
	case err != nil:
		h.log.Warn().Err(err).Str("activity_id", activityID).Msg("failed to load activity")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "persistence unavailable"})
		return
	}

	events, err := h.store.ListEvents(ctx, activityID, limit)
	if err != nil {
		h.log.Warn().Err(err).Str("activity_id", activityID).Msg("failed to list events")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "persistence unavailable"})
		return
	}

	resp := ActivityResponse{
		ActivityID: activity.ID,
		Name:       activity.Name,
		Phase:      activity.Phase,
		Connected:  h.router.RoomSize(activityID),
		UpdatedAt:  activity.UpdatedAt.UTC().Format(time.RFC3339),
		Events:     make([]proto.HistoryEvent, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, proto.HistoryEvent{
			Seq:     ev.Seq,
			Type:    ev.Type,
			UserID:  ev.SenderID,
			Payload: ev.Payload,
			TS:      proto.Millis(ev.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, resp)
}
