package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"FlagChat/service/events"
)

// fakeRooms pins a fixed room topology for broadcast targeting.
type fakeRooms struct {
	members map[string][]string // subjectID -> members
}

func (f *fakeRooms) MembersOf(subjectID string) []string { return f.members[subjectID] }

func (f *fakeRooms) RoomsOf(userID string) []string {
	var out []string
	for subj, mm := range f.members {
		for _, u := range mm {
			if u == userID {
				out = append(out, subj)
			}
		}
	}
	return out
}

type delivered struct {
	targets []string
	evt     events.Event
}

type fakeSink struct {
	mu   sync.Mutex
	recs []delivered
}

func (f *fakeSink) Deliver(userIDs []string, evt events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, delivered{targets: userIDs, evt: evt})
}

func (f *fakeSink) presenceEvents() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivered
	for _, r := range f.recs {
		if r.evt.Type == events.PresenceChanged {
			out = append(out, r)
		}
	}
	return out
}

func newTestTracker(grace time.Duration) (*Tracker, *fakeSink) {
	rooms := &fakeRooms{members: map[string][]string{"s1": {"A", "B"}}}
	sink := &fakeSink{}
	tr := NewTracker(Config{NodeID: "n1", Grace: grace}, rooms, sink, nil)
	return tr, sink
}

func TestMarkOnlineBroadcastsToPeers(t *testing.T) {
	tr, sink := newTestTracker(time.Second)
	tr.MarkOnline(context.Background(), "A", "c1")

	evts := sink.presenceEvents()
	if len(evts) != 1 {
		t.Fatalf("expected 1 presence event, got %d", len(evts))
	}
	p := evts[0].evt.Payload.(events.PresencePayload)
	if p.UserID != "A" || !p.Online {
		t.Fatalf("unexpected payload %+v", p)
	}
	if len(evts[0].targets) != 1 || evts[0].targets[0] != "B" {
		t.Fatalf("expected broadcast to B only, got %v", evts[0].targets)
	}
	if !tr.IsOnline("A") || !tr.HasConnections("A") {
		t.Fatal("A should be online with connections")
	}
}

func TestSecondConnectionDoesNotRebroadcast(t *testing.T) {
	tr, sink := newTestTracker(time.Second)
	tr.MarkOnline(context.Background(), "A", "c1")
	tr.MarkOnline(context.Background(), "A", "c2")

	if n := len(sink.presenceEvents()); n != 1 {
		t.Fatalf("expected 1 presence event, got %d", n)
	}
	// dropping one of two connections changes nothing either
	tr.MarkOffline(context.Background(), "A", "c1", time.Second)
	if n := len(sink.presenceEvents()); n != 1 {
		t.Fatalf("expected no offline event while c2 lives, got %d events", n)
	}
	if !tr.HasConnections("A") {
		t.Fatal("A still has c2")
	}
}

func TestGraceDebouncesReconnect(t *testing.T) {
	tr, sink := newTestTracker(50 * time.Millisecond)
	tr.MarkOnline(context.Background(), "A", "c1")
	tr.MarkOffline(context.Background(), "A", "c1", 50*time.Millisecond)

	if !tr.IsOnline("A") {
		t.Fatal("A must stay online during the grace window")
	}
	if tr.HasConnections("A") {
		t.Fatal("A must not be live during the grace window")
	}

	// reconnect inside the window cancels the pending offline
	tr.MarkOnline(context.Background(), "A", "c2")
	time.Sleep(120 * time.Millisecond)

	evts := sink.presenceEvents()
	if len(evts) != 1 {
		t.Fatalf("flapping leaked: got %d presence events, want the initial online only", len(evts))
	}
	if !tr.IsOnline("A") {
		t.Fatal("A should still be online")
	}
}

func TestGraceExpiryGoesOffline(t *testing.T) {
	tr, sink := newTestTracker(20 * time.Millisecond)
	tr.MarkOnline(context.Background(), "A", "c1")
	tr.MarkOffline(context.Background(), "A", "c1", 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	evts := sink.presenceEvents()
	if len(evts) != 2 {
		t.Fatalf("expected online+offline, got %d events", len(evts))
	}
	p := evts[1].evt.Payload.(events.PresencePayload)
	if p.UserID != "A" || p.Online {
		t.Fatalf("expected offline for A, got %+v", p)
	}
	if tr.IsOnline("A") {
		t.Fatal("record must be gone after grace expiry")
	}
}

func TestExplicitDisconnectSkipsGrace(t *testing.T) {
	tr, sink := newTestTracker(time.Hour)
	tr.MarkOnline(context.Background(), "A", "c1")
	tr.MarkOffline(context.Background(), "A", "c1", 0)

	evts := sink.presenceEvents()
	if len(evts) != 2 {
		t.Fatalf("expected immediate offline, got %d events", len(evts))
	}
	if p := evts[1].evt.Payload.(events.PresencePayload); p.Online {
		t.Fatalf("expected offline payload, got %+v", p)
	}
	if tr.IsOnline("A") {
		t.Fatal("A must be offline immediately")
	}
}

func TestFirstConnHookRunsBeforeOnlineBroadcast(t *testing.T) {
	rooms := &fakeRooms{members: map[string][]string{"s1": {"A", "B"}}}
	sink := &fakeSink{}
	tr := NewTracker(Config{NodeID: "n1", Grace: time.Second}, rooms, sink, nil)

	var order []string
	tr.SetOnFirstConn(func(userID string, commit func()) {
		order = append(order, "flush:"+userID)
		if n := len(sink.presenceEvents()); n != 0 {
			t.Fatalf("online broadcast ran before the flush hook (%d events)", n)
		}
		if tr.HasConnections(userID) {
			t.Fatal("connection must stay invisible until the hook commits")
		}
		commit()
		if !tr.HasConnections(userID) {
			t.Fatal("commit must publish the connection")
		}
	})

	tr.MarkOnline(context.Background(), "A", "c1")
	if len(order) != 1 || order[0] != "flush:A" {
		t.Fatalf("hook not invoked as expected: %v", order)
	}

	// a second device is not a 0->1 transition
	tr.MarkOnline(context.Background(), "A", "c2")
	if len(order) != 1 {
		t.Fatalf("hook must fire on first connection only, got %v", order)
	}
}

func TestOnlineUsers(t *testing.T) {
	tr, _ := newTestTracker(time.Second)
	tr.MarkOnline(context.Background(), "A", "c1")
	tr.MarkOnline(context.Background(), "B", "c2")
	tr.MarkOffline(context.Background(), "B", "c2", 0)

	users := tr.OnlineUsers()
	if len(users) != 1 || users[0] != "A" {
		t.Fatalf("expected [A], got %v", users)
	}
}
