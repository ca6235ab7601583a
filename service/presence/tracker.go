package presence

import (
	"context"
	"sync"
	"time"

	"FlagChat/logger"
	"FlagChat/service/events"
)

// RoomDirectory is the slice of the room registry the tracker needs to
// target presence broadcasts at users sharing a room.
type RoomDirectory interface {
	RoomsOf(userID string) []string
	MembersOf(subjectID string) []string
}

// Mirror reflects presence into shared storage (Redis) so other nodes and
// the REST layer can answer "who is online". Best effort: a mirror error
// never blocks the in-memory transition.
type Mirror interface {
	Online(ctx context.Context, userID, nodeID string, ttl time.Duration) error
	Offline(ctx context.Context, userID string) error
}

type Config struct {
	NodeID    string
	Grace     time.Duration    // offline debounce window
	MirrorTTL time.Duration    // TTL on the mirrored presence key
	Clock     func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = 2 * c.Grace
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// record is one PresenceRecord: it exists while the user is considered
// online, which includes the grace window after the last connection drops.
type record struct {
	conns       map[string]struct{}
	onlineSince time.Time
	grace       *time.Timer // pending offline timer, nil when connected
}

// Tracker maintains who is online and debounces offline transitions so a
// mobile network blip does not broadcast presence flapping to every room.
type Tracker struct {
	mu      sync.Mutex
	conf    Config
	records map[string]*record

	rooms  RoomDirectory
	sink   events.Sink
	mirror Mirror // may be nil

	// onFirstConn runs when a user's connection count goes 0 -> 1, before
	// the online broadcast. The connection stays invisible to
	// HasConnections until the hook calls commit, so the delivery
	// pipeline can finish flushing the offline queue before any live
	// fan-out targets the user. The hook must always end up calling
	// commit, even on a flush error.
	onFirstConn func(userID string, commit func())
}

func NewTracker(conf Config, rooms RoomDirectory, sink events.Sink, mirror Mirror) *Tracker {
	conf.norm()
	return &Tracker{
		conf:    conf,
		records: make(map[string]*record),
		rooms:   rooms,
		sink:    sink,
		mirror:  mirror,
	}
}

// SetOnFirstConn registers the redelivery hook. Must be called before the
// tracker starts receiving MarkOnline calls.
func (t *Tracker) SetOnFirstConn(f func(userID string, commit func())) { t.onFirstConn = f }

// MarkOnline adds connID to the user's record. Transition rules:
//   - fresh record: presence.changed(online=true) goes to room peers
//   - reconnect inside the grace window: the pending offline timer is
//     cancelled and nothing is broadcast
func (t *Tracker) MarkOnline(ctx context.Context, userID, connID string) {
	t.mu.Lock()
	rec := t.records[userID]
	fresh := rec == nil
	if fresh {
		rec = &record{conns: make(map[string]struct{}), onlineSince: t.conf.Clock()}
		t.records[userID] = rec
	}
	if rec.grace != nil {
		rec.grace.Stop()
		rec.grace = nil
	}
	firstConn := len(rec.conns) == 0
	if !firstConn {
		rec.conns[connID] = struct{}{}
	}
	t.mu.Unlock()

	if firstConn {
		commit := func() {
			t.mu.Lock()
			if t.records[userID] == nil {
				t.records[userID] = rec
			}
			rec.conns[connID] = struct{}{}
			t.mu.Unlock()
		}
		if t.onFirstConn != nil {
			t.onFirstConn(userID, commit)
		} else {
			commit()
		}
	}
	if fresh {
		t.broadcast(userID, true)
	}
	if t.mirror != nil {
		if err := t.mirror.Online(ctx, userID, t.conf.NodeID, t.conf.MirrorTTL); err != nil {
			logger.Warnf("[presence] mirror online user=%s: %v", userID, err)
		}
	}
}

// MarkOffline removes connID. When the connection set becomes empty the
// offline broadcast is delayed by grace; grace <= 0 (explicit disconnect)
// fires it immediately.
func (t *Tracker) MarkOffline(ctx context.Context, userID, connID string, grace time.Duration) {
	t.mu.Lock()
	rec := t.records[userID]
	if rec == nil {
		t.mu.Unlock()
		return
	}
	delete(rec.conns, connID)
	if len(rec.conns) > 0 {
		t.mu.Unlock()
		return
	}
	if grace <= 0 {
		delete(t.records, userID)
		t.mu.Unlock()
		t.goOffline(ctx, userID)
		return
	}
	rec.grace = time.AfterFunc(grace, func() { t.graceExpired(userID) })
	t.mu.Unlock()
}

// DefaultGrace is the configured debounce window, for callers reacting to a
// transport drop rather than an explicit disconnect.
func (t *Tracker) DefaultGrace() time.Duration { return t.conf.Grace }

func (t *Tracker) graceExpired(userID string) {
	t.mu.Lock()
	rec := t.records[userID]
	if rec == nil || len(rec.conns) > 0 {
		// reconnected between the timer firing and us taking the lock
		t.mu.Unlock()
		return
	}
	delete(t.records, userID)
	t.mu.Unlock()
	t.goOffline(context.Background(), userID)
}

func (t *Tracker) goOffline(ctx context.Context, userID string) {
	t.broadcast(userID, false)
	if t.mirror != nil {
		if err := t.mirror.Offline(ctx, userID); err != nil {
			logger.Warnf("[presence] mirror offline user=%s: %v", userID, err)
		}
	}
}

// broadcast targets every user sharing at least one room with userID.
func (t *Tracker) broadcast(userID string, online bool) {
	if t.rooms == nil || t.sink == nil {
		return
	}
	peers := make(map[string]struct{})
	for _, subjectID := range t.rooms.RoomsOf(userID) {
		for _, member := range t.rooms.MembersOf(subjectID) {
			if member != userID {
				peers[member] = struct{}{}
			}
		}
	}
	if len(peers) == 0 {
		return
	}
	targets := make([]string, 0, len(peers))
	for p := range peers {
		targets = append(targets, p)
	}
	t.sink.Deliver(targets, events.New(events.PresenceChanged, events.PresencePayload{
		UserID: userID,
		Online: online,
	}))
}

// IsOnline reports presence as peers see it: true while a record exists,
// including the grace window.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID] != nil
}

// HasConnections reports whether the user can receive a live event right
// now. False during the grace window, which is exactly when delivery must
// queue instead of fan out.
func (t *Tracker) HasConnections(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[userID]
	return rec != nil && len(rec.conns) > 0
}

// OnlineUsers snapshots the currently-online population.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.records))
	for u := range t.records {
		out = append(out, u)
	}
	return out
}
