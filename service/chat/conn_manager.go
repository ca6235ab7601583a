package chat

import (
	"net"
	"sync"
	"time"

	"FlagChat/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// SessionState is the lifecycle of one transport connection. Reconnecting
// only occurs client-side (the server sees a reconnect as a brand new
// session with a fresh conn id).
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateReconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ManagerConf tunes the session registry.
type ManagerConf struct {
	AuthTimeout time.Duration // Connecting sessions past this are swept
	AuthTTL     time.Duration // Authenticated session TTL, renewed by heartbeat
	SweepEvery  time.Duration
	MaxPerUser  int              // <=0 means unlimited; oldest is evicted past the cap
	Clock       func() time.Time // injectable for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// Session is one authenticated (or authenticating) transport connection.
// Fields other than Send are guarded by the Manager's lock.
type Session struct {
	ConnID    string
	UserID    string // empty until the auth handshake completes
	SessionID string

	state    SessionState
	explicit bool // client closed on purpose; presence skips the grace window

	Conn   *websocket.Conn
	Remote net.Addr
	Send   chan []byte // per-connection outbound queue, drained by the writer pump

	CreatedAt time.Time
	UpdatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time
}

// Manager is the concurrency-safe session registry: byConn is the primary
// index, byUser supports multi-device fan-out. Never a process singleton;
// one instance per gateway server.
type Manager struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]*Session

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}

	// onExpire reports sessions the manager removed on its own, swept or
	// evicted under MaxPerUser, so presence hears about the vanished
	// connection.
	onExpire func(*Session)
}

func NewManager(conf ManagerConf) *Manager {
	conf.norm()
	m := &Manager{
		byConn: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *Manager) SetOnExpire(f func(*Session)) { m.onExpire = f }

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byConn {
		closeQuiet(s.Conn)
	}
	m.byConn = make(map[string]*Session)
	m.byUser = make(map[string]map[string]*Session)
}

// AddPending registers a fresh, not yet authenticated connection. It gets
// AuthTimeout to complete the handshake before the sweeper kills it.
func (m *Manager) AddPending(connID string, conn *websocket.Conn, sendBuf int) (*Session, error) {
	if connID == "" || conn == nil {
		return nil, errors.New("connID/conn empty")
	}
	if sendBuf <= 0 {
		sendBuf = 256
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[connID]; exists {
		return nil, errors.Errorf("connID %s already registered", connID)
	}
	s := &Session{
		ConnID:    connID,
		state:     StateConnecting,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		Send:      make(chan []byte, sendBuf),
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(m.conf.AuthTimeout),
	}
	m.byConn[connID] = s
	return s, nil
}

// Bind finishes the handshake: the session becomes Authenticated and joins
// the user index. Side-effect ordering matters here: callers must only
// invoke presence MarkOnline after Bind returned nil.
func (m *Manager) Bind(connID, userID, sessionID string) error {
	if connID == "" || userID == "" {
		return errors.New("connID/userID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()

	s, ok := m.byConn[connID]
	if !ok || s.Conn == nil {
		m.mu.Unlock()
		return errs.ErrTransportDropped.WithDetail("conn " + connID + " gone")
	}
	if s.state == StateAuthenticated {
		m.mu.Unlock()
		return errors.Errorf("conn %s already bound to %s", connID, s.UserID)
	}

	var evicted *Session
	if m.conf.MaxPerUser > 0 {
		evicted = m.evictForUserLocked(userID)
	}

	s.UserID = userID
	s.SessionID = sessionID
	s.state = StateAuthenticated
	s.UpdatedAt = now
	s.Heartbeat = now
	s.ExpireAt = now.Add(m.conf.AuthTTL)

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Session)
	}
	m.byUser[userID][connID] = s
	m.mu.Unlock()

	// an evicted session never reaches its read-loop teardown with state
	// intact, so presence hears about the vanished connection here
	if evicted != nil {
		closeQuiet(evicted.Conn)
		if m.onExpire != nil {
			m.onExpire(evicted)
		}
	}
	return nil
}

// Get returns the session for a conn id.
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byConn[connID]
	return s, ok
}

// State reads the session state under the registry lock.
func (m *Manager) State(connID string) SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byConn[connID]; ok {
		return s.state
	}
	return StateDisconnected
}

// MarkExplicitClose flags the session as a deliberate client disconnect,
// so the offline transition skips the grace period.
func (m *Manager) MarkExplicitClose(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byConn[connID]; ok {
		s.explicit = true
	}
}

// Remove drops the session from both indexes and returns it (nil if it was
// never registered). The websocket itself is closed by the caller.
func (m *Manager) Remove(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(connID)
}

func (m *Manager) removeLocked(connID string) *Session {
	s, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)
	if s.UserID != "" {
		if mm := m.byUser[s.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
	s.state = StateDisconnected
	return s
}

// WasExplicit reports the deliberate-close flag after removal.
func (s *Session) WasExplicit() bool { return s.explicit }

// ConnsOf lists the user's active sessions (multi-device).
func (m *Manager) ConnsOf(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

// RefreshHeartbeat renews the session's liveness and TTL.
func (m *Manager) RefreshHeartbeat(connID string) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byConn[connID]
	if !ok {
		return
	}
	s.Heartbeat = now
	s.UpdatedAt = now
	if s.state == StateAuthenticated {
		s.ExpireAt = now.Add(m.conf.AuthTTL)
	}
}

// AttachPongHandler renews the heartbeat from transport-level pongs.
func (m *Manager) AttachPongHandler(conn *websocket.Conn, connID string) {
	if conn == nil || connID == "" {
		return
	}
	prev := conn.PongHandler()
	conn.SetPongHandler(func(appData string) error {
		m.RefreshHeartbeat(connID)
		if prev != nil {
			return prev(appData)
		}
		return nil
	})
}

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.SweepOnce(now)
		}
	}
}

// SweepOnce closes every session past its deadline: unauthenticated ones
// that never finished the handshake, and authenticated ones whose
// heartbeat stopped long ago.
func (m *Manager) SweepOnce(now time.Time) []*Session {
	var expired []*Session
	m.mu.Lock()
	for connID, s := range m.byConn {
		if now.After(s.ExpireAt) {
			expired = append(expired, m.removeLocked(connID))
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		closeQuiet(s.Conn)
		if m.onExpire != nil {
			m.onExpire(s)
		}
	}
	return expired
}

// evictForUserLocked makes room under MaxPerUser by removing the oldest
// session and returning it. Caller holds the write lock and must close
// the socket and fire onExpire after releasing it.
func (m *Manager) evictForUserLocked(userID string) *Session {
	mm := m.byUser[userID]
	if len(mm) < m.conf.MaxPerUser {
		return nil
	}
	var oldest *Session
	for _, s := range mm {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		m.removeLocked(oldest.ConnID)
	}
	return oldest
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
