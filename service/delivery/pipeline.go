package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"FlagChat/logger"
	"FlagChat/service/events"
	"FlagChat/tools/errs"
)

// Store is the persistence collaborator. Append must be durable before Send
// acknowledges: a crash after the ack never loses a message.
type Store interface {
	seeder
	Append(ctx context.Context, m *Message) error
	History(ctx context.Context, subjectID string, limit int) ([]*Message, error)
	MarkDelivered(ctx context.Context, subjectID string, messageID int64, userID string) error
	MarkRead(ctx context.Context, subjectID string, messageID int64, userID string) error
}

// OfflineQueue holds messages for members with no active connection, in
// send order, until their next MarkOnline.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID string, m *Message) error
	// Drain removes and returns up to batch queued messages, oldest first.
	Drain(ctx context.Context, userID string, batch int) ([]*Message, error)
}

// Archiver taps every accepted message for the REST/storage layer's
// archive. Best effort: an archive error is logged, never surfaced.
type Archiver interface {
	Archive(ctx context.Context, m *Message) error
}

// Notifier requests a push notification for a recipient who is offline.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID, senderID, content string) error
}

// Members is the slice of the room registry the pipeline needs.
type Members interface {
	MembersOf(subjectID string) []string
	IsMember(subjectID, userID string) bool
}

// Presence distinguishes "can receive live" from "queue it". During the
// presence grace window HasConnections is false while IsOnline is still
// true, which is exactly when messages must be queued.
type Presence interface {
	HasConnections(userID string) bool
	IsOnline(userID string) bool
}

type Config struct {
	HistoryLimit int
	OfflineBatch int
	// RetainPerRoom caps the in-memory receipt window per room; older
	// messages fall back to the store for acknowledgements.
	RetainPerRoom int
}

func (c *Config) norm() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.OfflineBatch <= 0 {
		c.OfflineBatch = 100
	}
	if c.RetainPerRoom <= 0 {
		c.RetainPerRoom = 512
	}
}

// Pipeline accepts outbound messages, assigns per-room ordering, fans out
// to members and tracks delivery/read acknowledgement.
type Pipeline struct {
	conf     Config
	store    Store
	queue    OfflineQueue
	archiver Archiver // may be nil
	notifier Notifier // may be nil
	members  Members
	presence Presence
	sink     events.Sink

	seq *sequencer

	mu    sync.Mutex
	rooms map[string]*roomMessages

	// gates serialize, per recipient, the queue-or-live routing decision
	// against the offline flush. Without this a send racing a reconnect
	// could fan out live before the queued backlog finished redelivering.
	gatesMu sync.Mutex
	gates   map[string]*sync.Mutex
}

// roomMessages serializes sends for one subject and keeps the recent
// receipt window. The per-room lock is the ordering authority the whole
// design leans on: two concurrent sends to the same subject are totally
// ordered here, sends to different subjects never touch the same lock.
type roomMessages struct {
	mu         sync.Mutex
	lastFanned int64
	byID       map[int64]*Message
}

func NewPipeline(conf Config, store Store, queue OfflineQueue, members Members, presence Presence, sink events.Sink) *Pipeline {
	conf.norm()
	return &Pipeline{
		conf:     conf,
		store:    store,
		queue:    queue,
		members:  members,
		presence: presence,
		sink:     sink,
		seq:      newSequencer(store),
		rooms:    make(map[string]*roomMessages),
		gates:    make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) SetArchiver(a Archiver) { p.archiver = a }
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

func (p *Pipeline) room(subjectID string) *roomMessages {
	p.mu.Lock()
	defer p.mu.Unlock()
	rm := p.rooms[subjectID]
	if rm == nil {
		rm = &roomMessages{byID: make(map[int64]*Message)}
		p.rooms[subjectID] = rm
	}
	return rm
}

func (p *Pipeline) gate(userID string) *sync.Mutex {
	p.gatesMu.Lock()
	defer p.gatesMu.Unlock()
	g := p.gates[userID]
	if g == nil {
		g = &sync.Mutex{}
		p.gates[userID] = g
	}
	return g
}

// Send accepts a message from senderID into the subject room. It returns
// after the write-ahead append succeeded (Sent state); delivery to online
// members is fanned out, offline members are queued and optionally
// notified.
func (p *Pipeline) Send(ctx context.Context, subjectID, senderID, content string) (*Message, error) {
	if !p.members.IsMember(subjectID, senderID) {
		return nil, errs.ErrNotMember.WithDetail("user=" + senderID + " subject=" + subjectID)
	}

	rm := p.room(subjectID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	id, err := p.seq.Next(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:          id,
		SubjectID:   subjectID,
		SenderID:    senderID,
		Content:     content,
		CreatedAt:   time.Now().UnixMilli(),
		DeliveredTo: make(map[string]struct{}),
		ReadBy:      make(map[string]struct{}),
	}

	if err := p.store.Append(ctx, msg); err != nil {
		p.seq.Rollback(subjectID, id)
		return nil, err
	}
	if p.archiver != nil {
		if aerr := p.archiver.Archive(ctx, msg); aerr != nil {
			logger.Warnf("[delivery] archive subject=%s id=%d: %v", subjectID, id, aerr)
		}
	}

	if id <= rm.lastFanned {
		// two writers raced on this room's counter; the invariant the rest
		// of the system depends on is gone
		logger.Errorf("[delivery] sequence conflict subject=%s id=%d last=%d", subjectID, id, rm.lastFanned)
		return nil, errs.ErrSequenceConflict.WithDetail(subjectID)
	}
	rm.lastFanned = id
	rm.byID[id] = msg
	p.trimLocked(rm)

	evt := events.New(events.MessageNew, msg.Payload())
	for _, member := range p.members.MembersOf(subjectID) {
		g := p.gate(member)
		g.Lock()
		if p.presence.HasConnections(member) {
			// sender gets the echo too, for multi-device consistency
			p.sink.Deliver([]string{member}, evt)
			g.Unlock()
			continue
		}
		qerr := p.queue.Enqueue(ctx, member, msg)
		notify := p.notifier != nil && !p.presence.IsOnline(member)
		g.Unlock()
		if qerr != nil {
			logger.Errorf("[delivery] offline enqueue user=%s id=%d: %v", member, id, qerr)
		}
		if notify {
			if nerr := p.notifier.NotifyOffline(ctx, member, senderID, content); nerr != nil {
				logger.Warnf("[delivery] notify user=%s: %v", member, nerr)
			}
		}
	}
	return msg, nil
}

// FlushOffline redelivers everything queued for the user, oldest first,
// holding the user's delivery gate throughout. The presence tracker calls
// this on the 0->1 connection transition and passes the commit that makes
// the connection visible to HasConnections: commit runs after the drain,
// still under the gate, so a concurrent Send either lands in the queue
// before the drain sees it or fans out live strictly after the backlog.
func (p *Pipeline) FlushOffline(ctx context.Context, userID string, commit func()) {
	g := p.gate(userID)
	g.Lock()
	defer g.Unlock()
	defer func() {
		if commit != nil {
			commit()
		}
	}()
	for {
		batch, err := p.queue.Drain(ctx, userID, p.conf.OfflineBatch)
		if err != nil {
			logger.Errorf("[delivery] offline drain user=%s: %v", userID, err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			p.sink.Deliver([]string{userID}, events.New(events.MessageNew, msg.Payload()))
		}
	}
}

// AckDelivered records that userID's device received the message. Idempotent.
func (p *Pipeline) AckDelivered(ctx context.Context, subjectID string, messageID int64, userID string) error {
	rm := p.room(subjectID)
	rm.mu.Lock()
	if msg := rm.byID[messageID]; msg != nil {
		if msg.WasDeliveredTo(userID) {
			rm.mu.Unlock()
			return nil
		}
		msg.DeliveredTo[userID] = struct{}{}
	}
	rm.mu.Unlock()
	return p.store.MarkDelivered(ctx, subjectID, messageID, userID)
}

// AckRead records a read receipt and tells the sender. Idempotent: repeats
// neither touch the store nor re-emit the event.
func (p *Pipeline) AckRead(ctx context.Context, subjectID string, messageID int64, userID string) error {
	rm := p.room(subjectID)
	rm.mu.Lock()
	msg := rm.byID[messageID]
	if msg != nil {
		if msg.WasReadBy(userID) {
			rm.mu.Unlock()
			return nil
		}
		msg.ReadBy[userID] = struct{}{}
		// reading implies the message arrived
		msg.DeliveredTo[userID] = struct{}{}
	}
	rm.mu.Unlock()

	if err := p.store.MarkRead(ctx, subjectID, messageID, userID); err != nil {
		return err
	}
	if msg != nil && msg.SenderID != userID {
		p.sink.Deliver([]string{msg.SenderID}, events.New(events.MessageRead, events.ReadPayload{
			SubjectID: subjectID,
			MessageID: messageID,
			UserID:    userID,
		}))
	}
	return nil
}

// ReadUpTo applies a whole-subject read mark: every retained message with
// id <= upTo from another sender gets a read receipt. Senders receive one
// message_read per sender carrying their highest acknowledged id.
func (p *Pipeline) ReadUpTo(ctx context.Context, subjectID string, upTo int64, userID string) error {
	rm := p.room(subjectID)
	rm.mu.Lock()
	maxBySender := make(map[string]int64)
	var touched []*Message
	for id, msg := range rm.byID {
		if id > upTo || msg.SenderID == userID || msg.WasReadBy(userID) {
			continue
		}
		msg.ReadBy[userID] = struct{}{}
		msg.DeliveredTo[userID] = struct{}{}
		touched = append(touched, msg)
		if id > maxBySender[msg.SenderID] {
			maxBySender[msg.SenderID] = id
		}
	}
	rm.mu.Unlock()

	for _, msg := range touched {
		if err := p.store.MarkRead(ctx, subjectID, msg.ID, userID); err != nil {
			logger.Warnf("[delivery] mark read subject=%s id=%d: %v", subjectID, msg.ID, err)
		}
	}
	for sender, maxID := range maxBySender {
		p.sink.Deliver([]string{sender}, events.New(events.MessageRead, events.ReadPayload{
			SubjectID: subjectID,
			MessageID: maxID,
			UserID:    userID,
		}))
	}
	return nil
}

// History returns the most recent messages of the room in ascending id
// order, for replay on join.
func (p *Pipeline) History(ctx context.Context, subjectID string) ([]*Message, error) {
	msgs, err := p.store.History(ctx, subjectID, p.conf.HistoryLimit)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// Message returns the retained in-memory message, nil when it aged out of
// the receipt window.
func (p *Pipeline) Message(subjectID string, messageID int64) *Message {
	rm := p.room(subjectID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.byID[messageID]
}

// trimLocked evicts the oldest retained messages past the window cap.
// Caller holds rm.mu.
func (p *Pipeline) trimLocked(rm *roomMessages) {
	for len(rm.byID) > p.conf.RetainPerRoom {
		min := int64(-1)
		for id := range rm.byID {
			if min < 0 || id < min {
				min = id
			}
		}
		delete(rm.byID, min)
	}
}
