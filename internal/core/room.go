package core

import "sort"

// room groups connections joined to the same activity.
type room struct {
	activityID    string
	members       map[string]Participant // connection id -> participant
	byParticipant map[string]string      // participant id -> connection id
}

func newRoom(activityID string) *room {
	return &room{
		activityID:    activityID,
		members:       make(map[string]Participant),
		byParticipant: make(map[string]string),
	}
}

func (r *room) add(connID string, p Participant) {
	r.members[connID] = p
	if p.ID != "" {
		r.byParticipant[p.ID] = connID
	}
}

// remove deletes a member and returns its participant.
func (r *room) remove(connID string) (Participant, bool) {
	p, ok := r.members[connID]
	if !ok {
		return Participant{}, false
	}
	delete(r.members, connID)
	if r.byParticipant[p.ID] == connID {
		delete(r.byParticipant, p.ID)
	}
	return p, true
}

func (r *room) size() int {
	return len(r.members)
}

func (r *room) empty() bool {
	return len(r.members) == 0
}

func (r *room) roster() []Participant {
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
