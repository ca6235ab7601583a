package chatclient

import (
	"sync"
	"time"

	"FlagChat/logger"
	"FlagChat/service/chat"
	"FlagChat/tools/errs"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeTimeout = 5 * time.Second
	eventBuf     = 256
)

// Config tunes one client. Token is the bearer JWT presented during the
// auth handshake.
type Config struct {
	URL         string
	Token       string
	AuthTimeout time.Duration
	Backoff     BackoffPolicy
}

func (c *Config) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
}

// Client is one device's connection to the gateway. It owns the reconnect
// loop: any transport drop is retried with exponential backoff for as long
// as the app is foregrounded, and the rooms joined in this session are
// re-joined automatically once the new connection authenticates.
//
// Frames arriving from the server are surfaced on Events(); a consumer that
// falls behind loses frames rather than stalling the read pump.
type Client struct {
	conf Config

	mu         sync.Mutex
	cond       *sync.Cond // guards foreground, signalled on foreground flips
	state      chat.SessionState
	foreground bool
	closed     bool
	conn       *websocket.Conn
	connID     string
	userID     string
	sessionID  string
	rooms      map[string]struct{} // confirmed memberships, replayed on reconnect

	wmu    sync.Mutex // serializes frame writes
	events chan *chat.Frame
	done   chan struct{}
}

func New(conf Config) *Client {
	conf.norm()
	c := &Client{
		conf:       conf,
		state:      chat.StateDisconnected,
		foreground: true,
		rooms:      make(map[string]struct{}),
		events:     make(chan *chat.Frame, eventBuf),
		done:       make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Events is the inbound frame stream: acks, message_new, presence_changed
// and the rest of the event vocabulary.
func (c *Client) Events() <-chan *chat.Frame { return c.events }

func (c *Client) State() chat.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the identifiers assigned by the last successful handshake.
func (c *Client) Session() (userID, sessionID, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.sessionID, c.connID
}

// SetForeground gates the reconnect loop. Backgrounded clients stop
// retrying; flipping back to foreground resumes the pending attempt
// immediately.
func (c *Client) SetForeground(fg bool) {
	c.mu.Lock()
	c.foreground = fg
	c.mu.Unlock()
	if fg {
		c.cond.Broadcast()
	}
}

// Connect dials, authenticates and starts the read pump. An auth rejection
// (errs.ErrAuthFailed) is permanent: the caller must obtain a fresh token,
// the client will not retry on its own. A handshake timeout
// (errs.ErrAuthTimeout) is retryable.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	c.state = chat.StateConnecting
	c.mu.Unlock()

	if err := c.dialAndAuth(); err != nil {
		c.mu.Lock()
		c.state = chat.StateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect is the deliberate goodbye: a normal-closure close frame, so
// the gateway skips the presence grace window and marks the user offline at
// once. The client will not reconnect afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = chat.StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	c.cond.Broadcast()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = conn.Close()
	}
}

// Join asks for membership. The cache is updated from the join_ack, not
// here, so only confirmed rooms are replayed on reconnect.
func (c *Client) Join(subjectID string) error {
	return c.send(chat.FrameJoin, chat.SubjectPayload{SubjectID: subjectID})
}

func (c *Client) Leave(subjectID string) error {
	c.mu.Lock()
	delete(c.rooms, subjectID)
	c.mu.Unlock()
	return c.send(chat.FrameLeave, chat.SubjectPayload{SubjectID: subjectID})
}

func (c *Client) SendMessage(subjectID, content string) error {
	return c.send(chat.FrameSend, chat.SendPayload{SubjectID: subjectID, Content: content})
}

func (c *Client) AckDelivered(subjectID string, messageID int64) error {
	return c.send(chat.FrameAckDelivered, chat.AckPayload{SubjectID: subjectID, MessageID: messageID})
}

func (c *Client) AckRead(subjectID string, messageID int64) error {
	return c.send(chat.FrameAckRead, chat.AckPayload{SubjectID: subjectID, MessageID: messageID})
}

// MarkSubjectRead acknowledges everything up to and including messageID.
func (c *Client) MarkSubjectRead(subjectID string, messageID int64) error {
	return c.send(chat.FrameAckRead, chat.AckPayload{SubjectID: subjectID, MessageID: messageID, UpTo: true})
}

func (c *Client) TypingStart(subjectID string) error {
	return c.send(chat.FrameTypingStart, chat.SubjectPayload{SubjectID: subjectID})
}

func (c *Client) TypingStop(subjectID string) error {
	return c.send(chat.FrameTypingStop, chat.SubjectPayload{SubjectID: subjectID})
}

func (c *Client) Ping() error { return c.send(chat.FramePing, nil) }

// wireFrame mirrors the server's envelope for outbound writes.
type wireFrame struct {
	Type    chat.FrameType `json:"type"`
	Ts      int64          `json:"ts"`
	Payload any            `json:"payload,omitempty"`
}

func (c *Client) send(t chat.FrameType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrTransportDropped.WithDetail("not connected")
	}
	b, err := json.Marshal(wireFrame{Type: t, Ts: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// dialAndAuth runs the full handshake: dial, conn_ack, auth, auth_ack. On
// success it installs the connection, replays the membership cache and
// starts the read pump.
func (c *Client) dialAndAuth() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.conf.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	deadline := time.Now().Add(c.conf.AuthTimeout)
	_ = conn.SetReadDeadline(deadline)

	ack, err := readFrame(conn)
	if err != nil || ack.Type != chat.FrameConnAck {
		_ = conn.Close()
		if isTimeout(err) {
			return errs.ErrAuthTimeout
		}
		return errs.ErrTransportDropped.WithDetail("no conn_ack")
	}

	authReq, _ := json.Marshal(wireFrame{
		Type:    chat.FrameAuth,
		Ts:      time.Now().UnixMilli(),
		Payload: chat.AuthPayload{Token: c.conf.Token},
	})
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, authReq); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "write auth")
	}

	authAck, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		if isTimeout(err) {
			return errs.ErrAuthTimeout
		}
		return errors.Wrap(err, "read auth_ack")
	}
	switch authAck.Type {
	case chat.FrameAuthAck:
	case chat.FrameError:
		_ = conn.Close()
		return authError(authAck)
	default:
		_ = conn.Close()
		return errs.ErrAuthFailed.WithDetail("unexpected " + string(authAck.Type))
	}

	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.state = chat.StateAuthenticated
	c.connID = str(ack.Payload["conn_id"])
	c.userID = str(authAck.Payload["user_id"])
	c.sessionID = str(authAck.Payload["session_id"])
	replay := make([]string, 0, len(c.rooms))
	for subjectID := range c.rooms {
		replay = append(replay, subjectID)
	}
	c.mu.Unlock()

	for _, subjectID := range replay {
		if err := c.Join(subjectID); err != nil {
			logger.Warnf("[chatclient] rejoin %s: %v", subjectID, err)
		}
	}
	go c.readPump(conn)
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			c.onDropped(conn)
			return
		}
		if f.Type == chat.FrameJoinAck {
			c.mu.Lock()
			if id := str(f.Payload["subject_id"]); id != "" {
				c.rooms[id] = struct{}{}
			}
			c.mu.Unlock()
		}
		select {
		case c.events <- f:
		default:
			logger.Warnf("[chatclient] events backlog full, dropping %s", f.Type)
		}
	}
}

// onDropped is the transport-loss path: unless this was a deliberate
// Disconnect, enter the reconnect loop.
func (c *Client) onDropped(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = chat.StateReconnecting
	c.mu.Unlock()
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		if !c.waitForeground() {
			return
		}
		delay := c.conf.Backoff.Next(attempt)
		logger.Infof("[chatclient] reconnect attempt=%d in %s", attempt, delay)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		if !c.waitForeground() {
			return
		}
		err := c.dialAndAuth()
		if err == nil {
			return
		}
		if errs.ErrAuthFailed.Is(err) {
			// the token is bad, retrying cannot fix it
			logger.Errorf("[chatclient] reconnect auth rejected: %v", err)
			c.mu.Lock()
			c.state = chat.StateDisconnected
			c.mu.Unlock()
			return
		}
		// handshake timeouts and transport errors stay in the loop
		logger.Warnf("[chatclient] reconnect failed: %v", err)
	}
}

// waitForeground blocks until the app is foregrounded. Returns false when
// the client got closed while waiting.
func (c *Client) waitForeground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.foreground && !c.closed {
		c.cond.Wait()
	}
	return !c.closed
}

func readFrame(conn *websocket.Conn) (*chat.Frame, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return chat.ParseFrame(raw)
}

func authError(f *chat.Frame) error {
	code := 0
	if v, ok := f.Payload["code"].(float64); ok {
		code = int(v)
	}
	switch code {
	case errs.CodeAuthTimeout:
		return errs.ErrAuthTimeout
	default:
		return errs.ErrAuthFailed.WithDetail(str(f.Payload["msg"]))
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
