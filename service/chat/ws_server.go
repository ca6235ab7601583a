package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"FlagChat/logger"
	"FlagChat/tools/errs"
	"FlagChat/tools/ids"
	"FlagChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit     = 1 << 20 // 1MB
	readDeadline  = 75 * time.Second
	writeDeadline = 5 * time.Second
	pingEvery     = 25 * time.Second
)

// HandleWS owns one websocket connection end to end: registers the pending
// session, sends conn_ack, runs the writer pump and the read loop, and on
// exit drives the presence offline transition.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	connID := ids.GenerateString()
	sess, err := s.mgr.AddPending(connID, ws, 0)
	if err != nil {
		logger.Errorf("[ws] register conn=%s: %v", connID, err)
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		s.mgr.RefreshHeartbeat(connID)
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	safe.Go(func() { s.writePump(sess, done) })

	s.SendToSession(sess, BuildConnAck(connID))

	// read loop: only reads; all writes go through the session queue
	var explicit bool
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				explicit = true
				logger.Infof("[ws] peer closed conn=%s", connID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s", connID)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", connID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame conn=%s err=%v sample=%q", connID, perr, sample)
			continue
		}
		frame.ConnID = connID

		if herr := s.disp.Dispatch(&Context{S: s}, frame, sess); herr != nil {
			s.replyError(sess, frame, herr)
			if errs.ErrAuthFailed.Is(herr) || errs.ErrAuthTimeout.Is(herr) {
				// failed handshake: nothing else this connection may do
				break
			}
		}
	}

	s.teardown(sess, explicit)
	close(done)
}

// replyError surfaces validation/authorization failures synchronously to
// the offending connection; anything uncoded becomes a transport-level
// error entry in the log only.
func (s *Server) replyError(sess *Session, f *Frame, err error) {
	var ce *errs.CodeError
	if e, ok := err.(*errs.CodeError); ok {
		ce = e
	} else {
		logger.Errorf("[ws] handler type=%s conn=%s: %v", f.Type, sess.ConnID, err)
		return
	}
	logger.Infof("[ws] reject type=%s conn=%s code=%d", f.Type, sess.ConnID, ce.Code)
	s.SendToSession(sess, BuildError(ce))
}

func (s *Server) teardown(sess *Session, explicitClose bool) {
	removed := s.mgr.Remove(sess.ConnID)
	if removed == nil {
		return
	}
	if removed.UserID == "" {
		return // handshake never finished, presence never saw this conn
	}
	grace := s.tracker.DefaultGrace()
	if explicitClose || removed.WasExplicit() {
		grace = 0 // deliberate logout, no stale presence allowed
	}
	s.tracker.MarkOffline(context.Background(), removed.UserID, removed.ConnID, grace)
}

// writePump drains the session queue and keeps transport-level pings
// flowing. Exactly one writer per connection.
func (s *Server) writePump(sess *Session, done <-chan struct{}) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	defer closeQuiet(sess.Conn)

	for {
		select {
		case <-done:
			return
		case payload := <-sess.Send:
			_ = sess.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sess.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[ws] write err conn=%s: %v", sess.ConnID, err)
				return
			}
		case <-ping.C:
			if err := sess.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
