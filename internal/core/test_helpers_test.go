package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/socialmap-server/internal/store"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// collectEvents waits until one event of every kind has arrived, in any order.
func collectEvents(t *testing.T, ch <-chan *Event, kinds ...EventKind) map[EventKind]*Event {
	t.Helper()

	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	got := make(map[EventKind]*Event, len(kinds))
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	for len(got) < len(want) {
		select {
		case ev := <-ch:
			if ev != nil && want[ev.Kind] && got[ev.Kind] == nil {
				got[ev.Kind] = ev
			}
		case <-timer.C:
			t.Fatalf("received %d of %d expected event kinds", len(got), len(want))
		}
	}
	return got
}

// noEvent fails if an event of kind arrives within wait.
func noEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event kind %v: %+v", kind, ev)
			}
		case <-timer.C:
			return
		}
	}
}

func startHub(t *testing.T, soft, hard int, st store.ActivityStore, opts HubOptions) *Hub {
	t.Helper()
	return startHubWithPolicy(t, soft, hard, JoinMove, st, opts)
}

func startHubWithPolicy(t *testing.T, soft, hard int, policy JoinPolicy, st store.ActivityStore, opts HubOptions) *Hub {
	t.Helper()

	reg := NewRegistry(Thresholds{Soft: soft, Hard: hard})
	hub := NewHub(reg, NewRouter(reg, policy, nil), st, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func admit(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()

	c := NewClient(id)
	d, err := hub.RegisterClient(c)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if !d.Kind.Admitted() {
		t.Fatalf("client %s rejected: %+v", id, d)
	}
	return c
}

func join(c *Client, activityID, userID, name string) {
	c.Commands <- &Command{
		Kind:        CommandJoinActivity,
		ActivityID:  activityID,
		Participant: Participant{ID: userID, Name: name},
	}
}

// recordingSink collects delivered events and can be told to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
	kicked []CloseReason
}

func (s *recordingSink) Deliver(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Kick(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = append(s.kicked, reason)
}

func (s *recordingSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}
