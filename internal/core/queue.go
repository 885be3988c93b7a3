package core

import (
	"context"

	"github.com/vovakirdan/socialmap-server/internal/store"
)

type jobKind int

const (
	jobJoin jobKind = iota
	jobMutate
	jobPresence
)

// job is one unit of per-activity work.
type job struct {
	kind        jobKind
	client      *Client // nil for presence jobs
	activityID  string
	participant Participant
	event       DomainEvent
	connected   bool
}

type jobResult struct {
	job      *job
	snapshot *store.JoinSnapshot
	event    DomainEvent
	err      error
}

// activityQueue holds pending jobs of one activity. At most one job per
// activity is talking to the store at any time.
type activityQueue struct {
	busy bool
	jobs []*job
}

func (h *Hub) enqueue(j *job) {
	q, ok := h.queues[j.activityID]
	if !ok {
		q = &activityQueue{}
		h.queues[j.activityID] = q
	}
	q.jobs = append(q.jobs, j)
	if !q.busy {
		h.startNext(j.activityID)
	}
}

// startNext runs the next job that is still relevant. Without a store jobs
// complete inline.
func (h *Hub) startNext(activityID string) {
	q, ok := h.queues[activityID]
	if !ok {
		return
	}
	for len(q.jobs) > 0 {
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]

		if !h.ready(j) {
			continue
		}
		if h.store == nil {
			h.finish(h.localResult(j))
			continue
		}
		q.busy = true
		go h.execute(h.runCtx, j)
		return
	}
	q.busy = false
	delete(h.queues, activityID)
}

// ready re-checks a job against the current state right before it runs.
func (h *Hub) ready(j *job) bool {
	switch j.kind {
	case jobJoin:
		if _, ok := h.registry.Lookup(j.client.ID); !ok {
			h.doneJoining(j.client.ID)
			if h.pending[j.client.ID] == j {
				delete(h.pending, j.client.ID)
			}
			return false
		}
		if h.pending[j.client.ID] != j {
			h.doneJoining(j.client.ID)
			return false
		}
	case jobPresence:
		// An earlier job in this queue may have put the participant back in
		// the room through another join.
		if !j.connected && h.inRoom(j.activityID, j.participant.ID) {
			return false
		}
	case jobMutate:
		if current, ok := h.router.ActivityOf(j.client.ID); !ok || current != j.activityID {
			h.actionFailed(j.client, j.event.Type, coreError(ErrCodeNotInRoom, "left "+j.activityID+" before the change was applied"))
			return false
		}
	}
	return true
}

func (h *Hub) inRoom(activityID, participantID string) bool {
	for _, p := range h.router.Roster(activityID) {
		if p.ID == participantID {
			return true
		}
	}
	return false
}

func (h *Hub) execute(ctx context.Context, j *job) {
	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if h.opts.StoreTimeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, h.opts.StoreTimeout)
	}
	defer cancel()

	res := jobResult{job: j}
	switch j.kind {
	case jobJoin:
		res.snapshot, res.err = h.store.JoinActivity(opCtx, j.activityID,
			store.Participant{ID: j.participant.ID, Name: j.participant.Name}, h.opts.HistoryLimit)
	case jobMutate:
		var saved *store.Event
		saved, res.err = h.store.AppendEvent(opCtx, store.Event{
			ActivityID: j.activityID,
			Type:       j.event.Type,
			SenderID:   j.event.SenderID,
			Payload:    j.event.Payload,
		})
		if res.err == nil {
			res.event = domainEventFromStore(*saved)
		}
	case jobPresence:
		res.err = h.store.SetPresence(opCtx, j.activityID, j.participant.ID, j.connected)
	}

	select {
	case h.results <- res:
	case <-h.quit:
	}
}

func (h *Hub) localResult(j *job) jobResult {
	res := jobResult{job: j}
	if j.kind == jobMutate {
		h.seq++
		ev := j.event
		ev.Seq = h.seq
		ev.CreatedAt = h.now().UTC()
		res.event = ev
	}
	return res
}

func (h *Hub) complete(res jobResult) {
	h.finish(res)
	if q, ok := h.queues[res.job.activityID]; ok {
		q.busy = false
	}
	h.startNext(res.job.activityID)
}

func (h *Hub) finish(res jobResult) {
	switch res.job.kind {
	case jobJoin:
		h.finishJoin(res)
	case jobMutate:
		h.finishMutate(res)
	case jobPresence:
		if res.err != nil {
			h.log.Warn().Err(res.err).Str("activity_id", res.job.activityID).
				Str("participant_id", res.job.participant.ID).Msg("presence update failed")
		}
	}
}

func (h *Hub) doneJoining(connID string) {
	if h.joining[connID]--; h.joining[connID] <= 0 {
		delete(h.joining, connID)
	}
}
