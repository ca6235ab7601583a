package handlers

import (
	"context"

	"FlagChat/logger"
	"FlagChat/service/chat"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
	"FlagChat/tools/security"

	"github.com/google/uuid"
)

// AuthHandler completes the handshake: verify the token, bind the session,
// then (and only then) mark the user online. A failed verification is
// fatal to the connection attempt; the ws loop closes after the error
// frame goes out.
type AuthHandler struct{}

func NewAuthHandler() chat.Handler          { return &AuthHandler{} }
func (h *AuthHandler) Type() chat.FrameType { return chat.FrameAuth }

func (h *AuthHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	p, err := decode.Map[chat.AuthPayload](f.Payload)
	if err != nil {
		return errs.ErrAuthFailed.WithDetail("malformed auth payload")
	}
	userID, err := security.Verify(ctx.S.JWT(), p.Token)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	if err := ctx.S.Mgr().Bind(f.ConnID, userID, sessionID); err != nil {
		return err
	}

	// ack before presence: the client owns its session id as soon as the
	// broadcastable state exists
	ctx.S.SendToSession(sess, chat.BuildAuthAck(userID, sessionID, f.ConnID))
	ctx.S.Tracker().MarkOnline(context.Background(), userID, f.ConnID)

	logger.Infof("[auth] bound conn=%s user=%s session=%s", f.ConnID, userID, sessionID)
	return nil
}
