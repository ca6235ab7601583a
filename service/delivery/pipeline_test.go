package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"FlagChat/service/events"
	"FlagChat/tools/errs"

	"github.com/pkg/errors"
)

type memStore struct {
	mu       sync.Mutex
	msgs     map[string][]*Message
	failNext bool
	readOps  int
}

func newMemStore() *memStore { return &memStore{msgs: make(map[string][]*Message)} }

func (s *memStore) Append(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("append failed")
	}
	s.msgs[m.SubjectID] = append(s.msgs[m.SubjectID], m)
	return nil
}

func (s *memStore) History(_ context.Context, subjectID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[subjectID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// newest first, the way the real store returns them
	out := make([]*Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memStore) MaxMessageID(_ context.Context, subjectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, m := range s.msgs[subjectID] {
		if m.ID > max {
			max = m.ID
		}
	}
	return max, nil
}

func (s *memStore) MarkDelivered(_ context.Context, _ string, _ int64, _ string) error { return nil }

func (s *memStore) MarkRead(_ context.Context, _ string, _ int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOps++
	return nil
}

type memQueue struct {
	mu     sync.Mutex
	queued map[string][]*Message
}

func newMemQueue() *memQueue { return &memQueue{queued: make(map[string][]*Message)} }

func (q *memQueue) Enqueue(_ context.Context, userID string, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued[userID] = append(q.queued[userID], m)
	return nil
}

func (q *memQueue) Drain(_ context.Context, userID string, batch int) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.queued[userID]
	if len(all) == 0 {
		return nil, nil
	}
	if batch > len(all) {
		batch = len(all)
	}
	out := all[:batch]
	q.queued[userID] = all[batch:]
	return out, nil
}

type memMembers struct {
	members map[string][]string
}

func (m *memMembers) MembersOf(subjectID string) []string { return m.members[subjectID] }

func (m *memMembers) IsMember(subjectID, userID string) bool {
	for _, u := range m.members[subjectID] {
		if u == userID {
			return true
		}
	}
	return false
}

// memPresence distinguishes live (has a connection) from online (record
// exists, possibly in the grace window).
type memPresence struct {
	mu     sync.Mutex
	live   map[string]bool
	online map[string]bool
}

func (p *memPresence) HasConnections(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[userID]
}

func (p *memPresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *memPresence) set(userID string, live, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[userID] = live
	p.online[userID] = online
}

type captureSink struct {
	mu   sync.Mutex
	recs []struct {
		targets []string
		evt     events.Event
	}
}

func (s *captureSink) Deliver(userIDs []string, evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, struct {
		targets []string
		evt     events.Event
	}{userIDs, evt})
}

// messagesFor returns message ids delivered to userID in arrival order.
func (s *captureSink) messagesFor(userID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, r := range s.recs {
		if r.evt.Type != events.MessageNew {
			continue
		}
		for _, u := range r.targets {
			if u == userID {
				out = append(out, r.evt.Payload.(events.MessagePayload).MessageID)
			}
		}
	}
	return out
}

func (s *captureSink) readsFor(userID string) []events.ReadPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.ReadPayload
	for _, r := range s.recs {
		if r.evt.Type != events.MessageRead {
			continue
		}
		for _, u := range r.targets {
			if u == userID {
				out = append(out, r.evt.Payload.(events.ReadPayload))
			}
		}
	}
	return out
}

type countNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *countNotifier) NotifyOffline(_ context.Context, userID, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
	return nil
}

type pipeFixture struct {
	p        *Pipeline
	store    *memStore
	queue    *memQueue
	presence *memPresence
	sink     *captureSink
	notifier *countNotifier
}

func newFixture(conf Config, members map[string][]string) *pipeFixture {
	f := &pipeFixture{
		store:    newMemStore(),
		queue:    newMemQueue(),
		presence: &memPresence{live: map[string]bool{}, online: map[string]bool{}},
		sink:     &captureSink{},
		notifier: &countNotifier{},
	}
	f.p = NewPipeline(conf, f.store, f.queue, &memMembers{members: members}, f.presence, f.sink)
	f.p.SetNotifier(f.notifier)
	return f
}

func allLive(f *pipeFixture, users ...string) {
	for _, u := range users {
		f.presence.set(u, true, true)
	}
}

func TestSendAssignsSequentialIDs(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A", "B")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.p.Send(ctx, "s1", "A", "hi"); err != nil {
			t.Fatal(err)
		}
	}
	want := []int64{1, 2, 3}
	for _, u := range []string{"A", "B"} {
		got := f.sink.messagesFor(u)
		if len(got) != 3 {
			t.Fatalf("%s got %d messages", u, len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s saw ids %v, want %v", u, got, want)
			}
		}
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A"}})
	_, err := f.p.Send(context.Background(), "s1", "Z", "hi")
	if err == nil || !errs.ErrNotMember.Is(err) {
		t.Fatalf("expected not-member, got %v", err)
	}
	if got := f.sink.messagesFor("A"); len(got) != 0 {
		t.Fatal("nothing may be fanned out for a rejected send")
	}
}

func TestConcurrentSendsStayOrdered(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A", "B")
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := f.p.Send(ctx, "s1", "A", "x"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got := f.sink.messagesFor("B")
	if len(got) != 100 {
		t.Fatalf("B got %d messages, want 100", len(got))
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("delivery order broken at %d: ids %v...", i, got[:i+1])
		}
	}
}

func TestSequenceSeedsFromStore(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A"}})
	allLive(f, "A")
	f.store.msgs["s1"] = []*Message{{ID: 41, SubjectID: "s1"}}

	m, err := f.p.Send(context.Background(), "s1", "A", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != 42 {
		t.Fatalf("expected id 42 after restart, got %d", m.ID)
	}
}

func TestAppendFailureRollsBackSequence(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A"}})
	allLive(f, "A")
	ctx := context.Background()

	f.store.failNext = true
	if _, err := f.p.Send(ctx, "s1", "A", "lost"); err == nil {
		t.Fatal("expected append failure to surface")
	}
	m, err := f.p.Send(ctx, "s1", "A", "kept")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != 1 {
		t.Fatalf("failed send must not burn an id, got %d", m.ID)
	}
}

func TestOfflineMemberIsQueuedAndNotified(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A")
	// B is fully offline: not live, no presence record
	ctx := context.Background()

	if _, err := f.p.Send(ctx, "s1", "A", "hi"); err != nil {
		t.Fatal(err)
	}
	if got := f.sink.messagesFor("B"); len(got) != 0 {
		t.Fatal("offline member must not get a live delivery")
	}
	if n := len(f.queue.queued["B"]); n != 1 {
		t.Fatalf("expected 1 queued message for B, got %d", n)
	}
	if len(f.notifier.calls) != 1 || f.notifier.calls[0] != "B" {
		t.Fatalf("expected push notification for B, got %v", f.notifier.calls)
	}
}

func TestGraceWindowQueuesWithoutNotify(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A")
	// B is in the grace window: still online as peers see it, not live
	f.presence.set("B", false, true)

	if _, err := f.p.Send(context.Background(), "s1", "A", "hi"); err != nil {
		t.Fatal(err)
	}
	if n := len(f.queue.queued["B"]); n != 1 {
		t.Fatalf("expected queued message during grace, got %d", n)
	}
	if len(f.notifier.calls) != 0 {
		t.Fatalf("no push while the presence record lives, got %v", f.notifier.calls)
	}
}

func TestFlushOfflineRedeliversInOrder(t *testing.T) {
	f := newFixture(Config{OfflineBatch: 2}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.p.Send(ctx, "s1", "A", "hi"); err != nil {
			t.Fatal(err)
		}
	}
	f.p.FlushOffline(ctx, "B", nil)

	got := f.sink.messagesFor("B")
	if len(got) != 5 {
		t.Fatalf("B got %d redeliveries, want 5", len(got))
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("redelivery order broken: %v", got)
		}
	}
	if n := len(f.queue.queued["B"]); n != 0 {
		t.Fatalf("queue must be empty after flush, %d left", n)
	}
}

// gatedQueue blocks the first Drain until released, to pin down the
// ordering between a flush in flight and a concurrent send.
type gatedQueue struct {
	*memQueue
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (q *gatedQueue) Drain(ctx context.Context, userID string, batch int) ([]*Message, error) {
	q.once.Do(func() {
		close(q.started)
		<-q.release
	})
	return q.memQueue.Drain(ctx, userID, batch)
}

func TestSendDuringFlushLandsAfterBacklog(t *testing.T) {
	store := newMemStore()
	queue := &gatedQueue{memQueue: newMemQueue(), started: make(chan struct{}), release: make(chan struct{})}
	presence := &memPresence{live: map[string]bool{}, online: map[string]bool{}}
	sink := &captureSink{}
	p := NewPipeline(Config{}, store, queue, &memMembers{members: map[string][]string{"s1": {"A", "B"}}}, presence, sink)
	presence.set("A", true, true)
	ctx := context.Background()

	// B offline: a backlog of two builds up
	for i := 0; i < 2; i++ {
		if _, err := p.Send(ctx, "s1", "A", "old"); err != nil {
			t.Fatal(err)
		}
	}

	flushed := make(chan struct{})
	go func() {
		// commit is what the presence tracker passes on reconnect: it
		// is what makes B count as live again
		p.FlushOffline(ctx, "B", func() { presence.set("B", true, true) })
		close(flushed)
	}()
	<-queue.started

	sent := make(chan struct{})
	go func() {
		if _, err := p.Send(ctx, "s1", "A", "new"); err != nil {
			t.Error(err)
		}
		close(sent)
	}()
	// let the send reach B's routing decision before the flush resumes
	time.Sleep(50 * time.Millisecond)
	close(queue.release)
	<-flushed
	<-sent

	got := sink.messagesFor("B")
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("B saw ids %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backlog must precede the live message: %v", got)
		}
	}
}

func TestAckReadNotifiesSenderOnce(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A", "B")
	ctx := context.Background()

	m, err := f.p.Send(ctx, "s1", "A", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.p.AckRead(ctx, "s1", m.ID, "B"); err != nil {
		t.Fatal(err)
	}
	reads := f.sink.readsFor("A")
	if len(reads) != 1 || reads[0].MessageID != m.ID || reads[0].UserID != "B" {
		t.Fatalf("unexpected read receipts %v", reads)
	}
	if !f.p.Message("s1", m.ID).WasDeliveredTo("B") {
		t.Fatal("read must imply delivered")
	}

	// repeat ack: no second event, no second store write
	before := f.store.readOps
	if err := f.p.AckRead(ctx, "s1", m.ID, "B"); err != nil {
		t.Fatal(err)
	}
	if len(f.sink.readsFor("A")) != 1 {
		t.Fatal("repeated ack must not re-emit")
	}
	if f.store.readOps != before {
		t.Fatal("repeated ack must not touch the store")
	}
}

func TestAckReadBySenderEmitsNothing(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B"}})
	allLive(f, "A", "B")
	ctx := context.Background()

	m, _ := f.p.Send(ctx, "s1", "A", "hi")
	if err := f.p.AckRead(ctx, "s1", m.ID, "A"); err != nil {
		t.Fatal(err)
	}
	if n := len(f.sink.readsFor("A")); n != 0 {
		t.Fatalf("self-read must not echo a receipt, got %d", n)
	}
}

func TestReadUpToCollapsesReceiptsPerSender(t *testing.T) {
	f := newFixture(Config{}, map[string][]string{"s1": {"A", "B", "C"}})
	allLive(f, "A", "B", "C")
	ctx := context.Background()

	f.p.Send(ctx, "s1", "A", "one")   // id 1
	f.p.Send(ctx, "s1", "A", "two")   // id 2
	f.p.Send(ctx, "s1", "B", "three") // id 3

	if err := f.p.ReadUpTo(ctx, "s1", 3, "C"); err != nil {
		t.Fatal(err)
	}
	aReads := f.sink.readsFor("A")
	if len(aReads) != 1 || aReads[0].MessageID != 2 || aReads[0].UserID != "C" {
		t.Fatalf("A expected one receipt up to id 2, got %v", aReads)
	}
	bReads := f.sink.readsFor("B")
	if len(bReads) != 1 || bReads[0].MessageID != 3 {
		t.Fatalf("B expected one receipt for id 3, got %v", bReads)
	}
	if n := len(f.sink.readsFor("C")); n != 0 {
		t.Fatalf("the reader gets no receipt, got %d", n)
	}
}

func TestHistoryAscending(t *testing.T) {
	f := newFixture(Config{HistoryLimit: 2}, map[string][]string{"s1": {"A"}})
	allLive(f, "A")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := f.p.Send(ctx, "s1", "A", "m"); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := f.p.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history must honor the limit, got %d", len(msgs))
	}
	if msgs[0].ID != 3 || msgs[1].ID != 4 {
		t.Fatalf("history must be the most recent ids ascending, got [%d %d]", msgs[0].ID, msgs[1].ID)
	}
}
