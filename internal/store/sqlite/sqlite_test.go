package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vovakirdan/socialmap-server/internal/store"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", ApplySchema, opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJoinActivityUnknownWithoutAutoCreate(t *testing.T) {
	s := newTestStore(t)

	_, err := s.JoinActivity(context.Background(), "missing", store.Participant{ID: "u1", Name: "Ada"}, 10)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinActivityAutoCreate(t *testing.T) {
	s := newTestStore(t, WithAutoCreate(true))
	ctx := context.Background()

	snap, err := s.JoinActivity(ctx, "act1", store.Participant{ID: "u1", Name: "Ada"}, 10)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if snap.Activity.ID != "act1" || snap.Activity.Phase != DefaultPhase {
		t.Fatalf("unexpected activity: %+v", snap.Activity)
	}
	if len(snap.History) != 0 {
		t.Fatalf("expected empty history, got %d", len(snap.History))
	}

	participants, err := s.ListParticipants(ctx, "act1")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 || !participants[0].Connected || participants[0].Name != "Ada" {
		t.Fatalf("unexpected participants: %+v", participants)
	}
}

func TestRejoinUpdatesNameAndPresence(t *testing.T) {
	s := newTestStore(t, WithAutoCreate(true))
	ctx := context.Background()

	if _, err := s.JoinActivity(ctx, "act1", store.Participant{ID: "u1", Name: "Ada"}, 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.SetPresence(ctx, "act1", "u1", false); err != nil {
		t.Fatalf("set presence: %v", err)
	}

	participants, err := s.ListParticipants(ctx, "act1")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if participants[0].Connected {
		t.Fatal("participant should be disconnected")
	}

	if _, err := s.JoinActivity(ctx, "act1", store.Participant{ID: "u1", Name: "Ada L."}, 0); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	participants, err = s.ListParticipants(ctx, "act1")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 || !participants[0].Connected || participants[0].Name != "Ada L." {
		t.Fatalf("unexpected participants after rejoin: %+v", participants)
	}
}

func TestAppendEventAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateActivity(ctx, "act1", "Workshop"); err != nil {
		t.Fatalf("create activity: %v", err)
	}

	var lastSeq int64
	for i := range 5 {
		ev, err := s.AppendEvent(ctx, store.Event{
			ActivityID: "act1",
			Type:       "tag_added",
			SenderID:   "u1",
			Payload:    []byte(fmt.Sprintf(`{"tag":"t%d"}`, i)),
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("seq not increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}

	events, err := s.ListEvents(ctx, "act1", 3)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if string(events[0].Payload) != `{"tag":"t2"}` || string(events[2].Payload) != `{"tag":"t4"}` {
		t.Fatalf("unexpected order: %s .. %s", events[0].Payload, events[2].Payload)
	}

	snap, err := s.JoinActivity(ctx, "act1", store.Participant{ID: "u2", Name: "Bo"}, 2)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(snap.History) != 2 || snap.History[1].Seq != lastSeq {
		t.Fatalf("unexpected join history: %+v", snap.History)
	}
}

func TestAppendEventPhaseChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateActivity(ctx, "act1", "Workshop"); err != nil {
		t.Fatalf("create activity: %v", err)
	}

	_, err := s.AppendEvent(ctx, store.Event{ActivityID: "act1", Type: store.EventTypePhaseChanged, Payload: []byte(`{}`)})
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	if _, err := s.AppendEvent(ctx, store.Event{
		ActivityID: "act1",
		Type:       store.EventTypePhaseChanged,
		Payload:    []byte(`{"phase":"mapping"}`),
	}); err != nil {
		t.Fatalf("append phase change: %v", err)
	}

	activity, err := s.GetActivity(ctx, "act1")
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.Phase != "mapping" {
		t.Fatalf("phase = %q, want mapping", activity.Phase)
	}
}

func TestAppendEventUnknownActivity(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendEvent(context.Background(), store.Event{ActivityID: "ghost", Type: "tag_added"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
