package chatclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"FlagChat/service/chat"
	"FlagChat/service/events"
	"FlagChat/tools/errs"

	"github.com/gorilla/websocket"
)

// gatewayConn is the server side of one accepted, authenticated connection.
type gatewayConn struct {
	ws     *websocket.Conn
	frames chan *chat.Frame
}

func (gc *gatewayConn) next(t *testing.T) *chat.Frame {
	t.Helper()
	select {
	case f, ok := <-gc.frames:
		if !ok {
			t.Fatal("connection closed while waiting for a frame")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
	}
	return nil
}

func (gc *gatewayConn) push(t *testing.T, payload []byte) {
	t.Helper()
	if err := gc.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// fakeGateway speaks just enough of the handshake to exercise the client:
// conn_ack on accept, then auth -> auth_ack (or a rejection).
type fakeGateway struct {
	srv      *httptest.Server
	authFail bool
	conns    chan *gatewayConn

	stallNext  int32 // connections left to stall instead of answering
	stallForNs int64
}

// stall makes the next n accepted connections sit silent for d before
// hanging up, so the client's handshake deadline fires.
func (gw *fakeGateway) stall(n int32, d time.Duration) {
	atomic.StoreInt64(&gw.stallForNs, int64(d))
	atomic.StoreInt32(&gw.stallNext, n)
}

func newFakeGateway(t *testing.T, authFail bool) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{authFail: authFail, conns: make(chan *gatewayConn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	gw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&gw.stallNext, -1) >= 0 {
			time.Sleep(time.Duration(atomic.LoadInt64(&gw.stallForNs)))
			_ = ws.Close()
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, chat.BuildConnAck("conn-test"))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		f, err := chat.ParseFrame(raw)
		if err != nil || f.Type != chat.FrameAuth {
			_ = ws.Close()
			return
		}
		if gw.authFail {
			_ = ws.WriteMessage(websocket.TextMessage, chat.BuildError(errs.ErrAuthFailed))
			_ = ws.Close()
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, chat.BuildAuthAck("A", "sess-1", "conn-test"))

		gc := &gatewayConn{ws: ws, frames: make(chan *chat.Frame, 16)}
		gw.conns <- gc
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				close(gc.frames)
				return
			}
			if f, err := chat.ParseFrame(raw); err == nil {
				gc.frames <- f
			}
		}
	}))
	t.Cleanup(gw.srv.Close)
	return gw
}

func (gw *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(gw.srv.URL, "http")
}

func (gw *fakeGateway) accept(t *testing.T) *gatewayConn {
	t.Helper()
	select {
	case gc := <-gw.conns:
		return gc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
	}
	return nil
}

func waitEvent(t *testing.T, c *Client, want chat.FrameType) *chat.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.Events():
			if f.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:         url,
		Token:       "test-token",
		AuthTimeout: 2 * time.Second,
		Backoff:     BackoffPolicy{Base: 10 * time.Millisecond, Factor: 2, Max: 50 * time.Millisecond},
	}
}

func TestConnectHandshake(t *testing.T) {
	gw := newFakeGateway(t, false)
	c := New(testConfig(gw.url()))
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gw.accept(t)

	if got := c.State(); got != chat.StateAuthenticated {
		t.Fatalf("state = %s", got)
	}
	userID, sessionID, connID := c.Session()
	if userID != "A" || sessionID != "sess-1" || connID != "conn-test" {
		t.Fatalf("session identifiers wrong: %s %s %s", userID, sessionID, connID)
	}
}

func TestAuthRejectionIsPermanent(t *testing.T) {
	gw := newFakeGateway(t, true)
	c := New(testConfig(gw.url()))
	defer c.Disconnect()

	err := c.Connect()
	if err == nil || !errs.ErrAuthFailed.Is(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if got := c.State(); got != chat.StateDisconnected {
		t.Fatalf("rejected client must stay disconnected, state = %s", got)
	}
	// no retry may arrive on its own
	select {
	case <-gw.conns:
		t.Fatal("client retried a permanently rejected auth")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeTimeoutKeepsRetrying(t *testing.T) {
	gw := newFakeGateway(t, false)
	cfg := testConfig(gw.url())
	cfg.AuthTimeout = 150 * time.Millisecond
	c := New(cfg)
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gc := gw.accept(t)

	// the next accept stalls past the auth deadline, the one after behaves
	gw.stall(1, 500*time.Millisecond)
	_ = gc.ws.Close()

	gw.accept(t)
	deadline := time.Now().Add(3 * time.Second)
	for c.State() != chat.StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want authenticated after a timed-out handshake", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventsSurface(t *testing.T) {
	gw := newFakeGateway(t, false)
	c := New(testConfig(gw.url()))
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gc := gw.accept(t)

	gc.push(t, chat.EncodeEvent(events.New(events.MessageNew, events.MessagePayload{
		MessageID: 1, SubjectID: "s1", SenderID: "B", Content: "hello",
	})))
	f := waitEvent(t, c, chat.FrameType(events.MessageNew))
	if f.Payload["content"] != "hello" {
		t.Fatalf("payload lost: %v", f.Payload)
	}
}

func TestReconnectReplaysMemberships(t *testing.T) {
	gw := newFakeGateway(t, false)
	c := New(testConfig(gw.url()))
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gc1 := gw.accept(t)

	if err := c.Join("s1"); err != nil {
		t.Fatal(err)
	}
	if f := gc1.next(t); f.Type != chat.FrameJoin {
		t.Fatalf("expected join, got %s", f.Type)
	}
	gc1.push(t, chat.BuildJoinAck("s1", true))
	waitEvent(t, c, chat.FrameJoinAck)

	// transport drop, not a goodbye: the client must come back on its own
	_ = gc1.ws.Close()

	gc2 := gw.accept(t)
	f := gc2.next(t)
	if f.Type != chat.FrameJoin || f.Payload["subject_id"] != "s1" {
		t.Fatalf("reconnect must replay the membership, got %s %v", f.Type, f.Payload)
	}
	if got := c.State(); got != chat.StateAuthenticated {
		t.Fatalf("state after reconnect = %s", got)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	gw := newFakeGateway(t, false)
	c := New(testConfig(gw.url()))

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gw.accept(t)

	c.Disconnect()
	select {
	case <-gw.conns:
		t.Fatal("client reconnected after a deliberate disconnect")
	case <-time.After(150 * time.Millisecond):
	}
	if got := c.State(); got != chat.StateDisconnected {
		t.Fatalf("state = %s", got)
	}
}

func TestBackgroundGatesReconnect(t *testing.T) {
	gw := newFakeGateway(t, false)
	c := New(testConfig(gw.url()))
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	gc := gw.accept(t)

	c.SetForeground(false)
	_ = gc.ws.Close()

	// backgrounded: no retry happens
	select {
	case <-gw.conns:
		t.Fatal("backgrounded client must not reconnect")
	case <-time.After(150 * time.Millisecond):
	}

	c.SetForeground(true)
	gw.accept(t) // resumes promptly once foregrounded
}
