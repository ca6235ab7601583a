package room

import (
	"context"
	"sync"
	"time"

	"FlagChat/service/events"
	"FlagChat/tools/errs"
)

// Membership is the durable relation user<->subject. It is not scoped to a
// transport connection: a network drop does not remove it, only an explicit
// Leave or the subject being closed does.
type Membership struct {
	UserID            string
	SubjectID         string
	JoinedAt          time.Time
	LastReadMessageID int64
}

// Authorizer answers the flag-compatibility question for a join. The proof
// ultimately comes from the REST layer (the source of truth for flags and
// subjects); pulling the check in here keeps clients that skip the UI gate
// from bypassing it.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, subjectID string) (bool, error)
}

type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*roomState
	byUser map[string]map[string]struct{} // userID -> set of subjectID

	authz Authorizer
	sink  events.Sink
	clock func() time.Time
}

type roomState struct {
	closed  bool
	members map[string]*Membership
}

func NewRegistry(authz Authorizer, sink events.Sink) *Registry {
	return &Registry{
		rooms:  make(map[string]*roomState),
		byUser: make(map[string]map[string]struct{}),
		authz:  authz,
		sink:   sink,
		clock:  time.Now,
	}
}

// Join admits userID to the subject room. Idempotent: a second join returns
// the existing membership with created=false and must not replay history
// again (the caller keys replay off created).
func (r *Registry) Join(ctx context.Context, userID, subjectID string) (m *Membership, created bool, err error) {
	r.mu.Lock()
	st := r.rooms[subjectID]
	if st != nil {
		if st.closed {
			r.mu.Unlock()
			return nil, false, errs.ErrSubjectClosed.WithDetail(subjectID)
		}
		if existing := st.members[userID]; existing != nil {
			r.mu.Unlock()
			return existing, false, nil
		}
	}
	r.mu.Unlock()

	// Authorization awaits the REST-sourced compatibility proof, so it runs
	// outside the lock; membership is re-checked after.
	ok, aerr := r.authz.CanJoin(ctx, userID, subjectID)
	if aerr != nil {
		return nil, false, aerr
	}
	if !ok {
		return nil, false, errs.ErrNotAuthorized.WithDetail("user=" + userID + " subject=" + subjectID)
	}

	r.mu.Lock()
	st = r.rooms[subjectID]
	if st == nil {
		st = &roomState{members: make(map[string]*Membership)}
		r.rooms[subjectID] = st
	}
	if st.closed {
		r.mu.Unlock()
		return nil, false, errs.ErrSubjectClosed.WithDetail(subjectID)
	}
	if existing := st.members[userID]; existing != nil {
		r.mu.Unlock()
		return existing, false, nil
	}
	m = &Membership{UserID: userID, SubjectID: subjectID, JoinedAt: r.clock()}
	st.members[userID] = m
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][subjectID] = struct{}{}
	peers := r.othersLocked(st, userID)
	r.mu.Unlock()

	r.emit(peers, events.New(events.MembershipJoined, events.MembershipPayload{
		SubjectID: subjectID,
		UserID:    userID,
	}))
	return m, true, nil
}

// Leave removes the membership and tells the remaining members.
func (r *Registry) Leave(userID, subjectID string) {
	r.mu.Lock()
	st := r.rooms[subjectID]
	if st == nil || st.members[userID] == nil {
		r.mu.Unlock()
		return
	}
	delete(st.members, userID)
	if mm := r.byUser[userID]; mm != nil {
		delete(mm, subjectID)
		if len(mm) == 0 {
			delete(r.byUser, userID)
		}
	}
	peers := r.othersLocked(st, userID)
	r.mu.Unlock()

	r.emit(peers, events.New(events.MembershipLeft, events.MembershipPayload{
		SubjectID: subjectID,
		UserID:    userID,
	}))
}

// CloseSubject tears the room down: every membership is removed and members
// get a terminal subject_closed. Joins and sends afterwards fail with
// ErrSubjectClosed.
func (r *Registry) CloseSubject(subjectID string) {
	r.mu.Lock()
	st := r.rooms[subjectID]
	if st == nil {
		st = &roomState{members: make(map[string]*Membership)}
		r.rooms[subjectID] = st
	}
	if st.closed {
		r.mu.Unlock()
		return
	}
	st.closed = true
	members := make([]string, 0, len(st.members))
	for u := range st.members {
		members = append(members, u)
		if mm := r.byUser[u]; mm != nil {
			delete(mm, subjectID)
			if len(mm) == 0 {
				delete(r.byUser, u)
			}
		}
	}
	st.members = make(map[string]*Membership)
	r.mu.Unlock()

	r.emit(members, events.New(events.SubjectClosed, events.SubjectClosedPayload{
		SubjectID: subjectID,
	}))
}

// MembersOf is the fan-out source for the delivery pipeline.
func (r *Registry) MembersOf(subjectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.rooms[subjectID]
	if st == nil {
		return nil
	}
	out := make([]string, 0, len(st.members))
	for u := range st.members {
		out = append(out, u)
	}
	return out
}

func (r *Registry) IsMember(subjectID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.rooms[subjectID]
	return st != nil && st.members[userID] != nil
}

// RoomsOf lists the subjects the user belongs to; the presence tracker uses
// it to target its broadcasts.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	out := make([]string, 0, len(mm))
	for s := range mm {
		out = append(out, s)
	}
	return out
}

// MarkRead advances the membership's read watermark. Monotonic: a smaller
// id is ignored.
func (r *Registry) MarkRead(userID, subjectID string, messageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.rooms[subjectID]
	if st == nil {
		return
	}
	if m := st.members[userID]; m != nil && messageID > m.LastReadMessageID {
		m.LastReadMessageID = messageID
	}
}

func (r *Registry) Membership(userID, subjectID string) *Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.rooms[subjectID]
	if st == nil {
		return nil
	}
	return st.members[userID]
}

func (r *Registry) othersLocked(st *roomState, except string) []string {
	out := make([]string, 0, len(st.members))
	for u := range st.members {
		if u != except {
			out = append(out, u)
		}
	}
	return out
}

func (r *Registry) emit(targets []string, evt events.Event) {
	if r.sink == nil || len(targets) == 0 {
		return
	}
	r.sink.Deliver(targets, evt)
}
