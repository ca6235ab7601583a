package chat

import (
	"context"
	"time"

	"FlagChat/logger"
	"FlagChat/service/delivery"
	"FlagChat/service/events"
	"FlagChat/service/natsx"
	"FlagChat/service/presence"
	"FlagChat/service/room"
	"FlagChat/tools/security"

	json "github.com/goccy/go-json"
)

// Deps carries the collaborators a gateway node is assembled from. Store
// and Queue are the persistence boundary; Bus, Mirror, Archiver and
// Notifier are optional (nil disables the concern).
type Deps struct {
	NodeID   string
	JWT      security.Options
	Sessions ManagerConf

	AuthDir  room.Authorizer
	Store    delivery.Store
	Queue    delivery.OfflineQueue
	Mirror   presence.Mirror
	Archiver delivery.Archiver
	Notifier delivery.Notifier
	Bus      *natsx.Bus

	PresenceGrace time.Duration
	HistoryLimit  int
	OfflineBatch  int
	TypingTTL     time.Duration
	FanoutWorkers int
}

// Server is one gateway node: it owns the session registry, the event
// dispatcher and the wiring between presence, rooms and delivery. It is
// the events.Sink for all three.
type Server struct {
	nodeID string
	jwt    security.Options

	mgr      *Manager
	disp     *Dispatcher
	fan      *Fanout
	tracker  *presence.Tracker
	rooms    *room.Registry
	pipeline *delivery.Pipeline
	typing   *typingState
	bus      *natsx.Bus
}

// busEnvelope crosses the NATS fan-out subject between nodes.
type busEnvelope struct {
	NodeID  string          `json:"node_id"`
	UserIDs []string        `json:"user_ids"`
	Frame   json.RawMessage `json:"frame"`
}

func NewServer(d Deps) (*Server, error) {
	s := &Server{
		nodeID: d.NodeID,
		jwt:    d.JWT,
		disp:   NewDispatcher(),
		fan:    NewFanout(d.FanoutWorkers, 0),
		bus:    d.Bus,
	}
	s.mgr = NewManager(d.Sessions)
	s.rooms = room.NewRegistry(d.AuthDir, s)
	s.tracker = presence.NewTracker(presence.Config{
		NodeID: d.NodeID,
		Grace:  d.PresenceGrace,
	}, s.rooms, s, d.Mirror)
	s.pipeline = delivery.NewPipeline(delivery.Config{
		HistoryLimit: d.HistoryLimit,
		OfflineBatch: d.OfflineBatch,
	}, d.Store, d.Queue, s.rooms, s.tracker, s)
	if d.Archiver != nil {
		s.pipeline.SetArchiver(d.Archiver)
	}
	if d.Notifier != nil {
		s.pipeline.SetNotifier(d.Notifier)
	}

	// queued messages are flushed on the 0->1 connection transition; the
	// connection only counts as live once the flush commits
	s.tracker.SetOnFirstConn(func(userID string, commit func()) {
		s.pipeline.FlushOffline(context.Background(), userID, commit)
	})

	// a swept session is a vanished connection, not a logout: grace applies
	s.mgr.SetOnExpire(func(sess *Session) {
		if sess.UserID != "" {
			s.tracker.MarkOffline(context.Background(), sess.UserID, sess.ConnID, s.tracker.DefaultGrace())
		}
	})

	s.typing = newTypingState(d.TypingTTL, func(subjectID, userID string) {
		s.fanTyping(false, subjectID, userID)
	})

	if s.bus != nil {
		if err := s.bus.Subscribe(natsx.SubjectFanout, "", s.onBusFrame); err != nil {
			return nil, err
		}
		if err := s.bus.Subscribe(natsx.SubjectControl, "", s.onControl); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) NodeID() string               { return s.nodeID }
func (s *Server) JWT() security.Options        { return s.jwt }
func (s *Server) Mgr() *Manager                { return s.mgr }
func (s *Server) Disp() *Dispatcher            { return s.disp }
func (s *Server) Rooms() *room.Registry        { return s.rooms }
func (s *Server) Tracker() *presence.Tracker   { return s.tracker }
func (s *Server) Pipeline() *delivery.Pipeline { return s.pipeline }

func (s *Server) Close() {
	s.typing.Close()
	s.mgr.Close()
}

// Deliver implements events.Sink: encode once, hand to every active local
// connection of each user, and forward across the bus for sessions pinned
// to other nodes.
func (s *Server) Deliver(userIDs []string, evt events.Event) {
	payload := EncodeEvent(evt)
	if payload == nil {
		return
	}
	s.deliverLocal(userIDs, payload)

	if s.bus != nil {
		env, err := json.Marshal(busEnvelope{NodeID: s.nodeID, UserIDs: userIDs, Frame: payload})
		if err != nil {
			return
		}
		if err := s.bus.Publish(natsx.SubjectFanout, env); err != nil {
			logger.Warnf("[server] bus publish: %v", err)
		}
	}
}

func (s *Server) deliverLocal(userIDs []string, payload []byte) {
	var sessions []*Session
	for _, u := range userIDs {
		sessions = append(sessions, s.mgr.ConnsOf(u)...)
	}
	s.fan.Broadcast(sessions, payload)
}

// onBusFrame delivers a peer node's fan-out to local connections. Our own
// envelopes come back too; skip them, local delivery already happened.
func (s *Server) onBusFrame(data []byte) {
	var env busEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("[server] bad bus envelope: %v", err)
		return
	}
	if env.NodeID == s.nodeID {
		return
	}
	s.deliverLocal(env.UserIDs, env.Frame)
}

// controlMsg crosses the control subject. Every node applies the command
// to its local state.
type controlMsg struct {
	Op        string `json:"op"`
	SubjectID string `json:"subject_id,omitempty"`
}

const opCloseSubject = "close_subject"

func (s *Server) onControl(data []byte) {
	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warnf("[server] bad control message: %v", err)
		return
	}
	switch msg.Op {
	case opCloseSubject:
		if msg.SubjectID == "" {
			return
		}
		logger.Infof("[server] control close subject=%s", msg.SubjectID)
		s.rooms.CloseSubject(msg.SubjectID)
	default:
		logger.Warnf("[server] unknown control op=%q", msg.Op)
	}
}

// SendToSession bypasses fan-out for direct replies (acks, errors).
func (s *Server) SendToSession(sess *Session, payload []byte) {
	if sess == nil || payload == nil {
		return
	}
	select {
	case sess.Send <- payload:
	default:
		logger.Debugf("[server] send queue full conn=%s", sess.ConnID)
	}
}

// TypingStart/TypingStop fan the indicator to the other room members.
// Best effort: no membership error is surfaced, non-members are ignored.
func (s *Server) TypingStart(subjectID, userID string) {
	if !s.rooms.IsMember(subjectID, userID) {
		return
	}
	if s.typing.Start(subjectID, userID) {
		s.fanTyping(true, subjectID, userID)
	}
}

func (s *Server) TypingStop(subjectID, userID string) {
	if s.typing.Stop(subjectID, userID) {
		s.fanTyping(false, subjectID, userID)
	}
}

func (s *Server) fanTyping(start bool, subjectID, userID string) {
	var targets []string
	for _, member := range s.rooms.MembersOf(subjectID) {
		if member != userID {
			targets = append(targets, member)
		}
	}
	if len(targets) > 0 {
		s.Deliver(targets, typingEvent(start, subjectID, userID))
	}
}
