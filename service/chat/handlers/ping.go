package handlers

import "FlagChat/service/chat"

// PingHandler answers application-level pings. Transport pings are handled
// by the websocket pong handler; this one exists for clients behind proxies
// that swallow control frames.
type PingHandler struct{}

func NewPingHandler() chat.Handler          { return &PingHandler{} }
func (h *PingHandler) Type() chat.FrameType { return chat.FramePing }

func (h *PingHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	ctx.S.Mgr().RefreshHeartbeat(sess.ConnID)
	ctx.S.SendToSession(sess, chat.BuildPong())
	return nil
}
