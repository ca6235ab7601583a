package chat

import (
	"sync"
	"time"

	"FlagChat/service/events"
)

// typingState is the dispatcher's only transient store: who is typing in
// which subject. Entries auto-expire after ttl when no explicit stop
// arrives; everything here is best effort and unordered.
type typingState struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[typingKey]time.Time // expiry per (subject, user)
	stopCh  chan struct{}
	once    sync.Once

	onExpire func(subjectID, userID string)
}

type typingKey struct {
	subjectID string
	userID    string
}

func newTypingState(ttl time.Duration, onExpire func(subjectID, userID string)) *typingState {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	t := &typingState{
		ttl:      ttl,
		entries:  make(map[typingKey]time.Time),
		stopCh:   make(chan struct{}),
		onExpire: onExpire,
	}
	go t.janitor()
	return t
}

// Start refreshes the typing entry and reports whether it is new (only new
// entries are broadcast, repeats just extend the expiry).
func (t *typingState) Start(subjectID, userID string) bool {
	k := typingKey{subjectID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.entries[k]
	t.entries[k] = time.Now().Add(t.ttl)
	return !existed
}

// Stop clears the entry and reports whether it was present.
func (t *typingState) Stop(subjectID, userID string) bool {
	k := typingKey{subjectID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; !ok {
		return false
	}
	delete(t.entries, k)
	return true
}

func (t *typingState) Close() { t.once.Do(func() { close(t.stopCh) }) }

func (t *typingState) janitor() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-tick.C:
			var expired []typingKey
			t.mu.Lock()
			for k, deadline := range t.entries {
				if now.After(deadline) {
					delete(t.entries, k)
					expired = append(expired, k)
				}
			}
			t.mu.Unlock()
			for _, k := range expired {
				t.onExpire(k.subjectID, k.userID)
			}
		}
	}
}

// typingEvent builds the fan-out event for a start/stop transition.
func typingEvent(start bool, subjectID, userID string) events.Event {
	typ := events.TypingStop
	if start {
		typ = events.TypingStart
	}
	return events.New(typ, events.TypingPayload{SubjectID: subjectID, UserID: userID})
}
