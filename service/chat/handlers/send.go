package handlers

import (
	"context"

	"FlagChat/service/chat"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
)

// SendHandler pushes one message into the delivery pipeline. The frame is
// acked implicitly: the sender sees its own message_new echo with the
// assigned id.
type SendHandler struct{}

func NewSendHandler() chat.Handler          { return &SendHandler{} }
func (h *SendHandler) Type() chat.FrameType { return chat.FrameSend }

func (h *SendHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("send before auth")
	}
	p, err := decode.Map[chat.SendPayload](f.Payload)
	if err != nil || p.SubjectID == "" || p.Content == "" {
		return errs.ErrNotMember.WithDetail("malformed send payload")
	}
	// a send is activity; drop any pending typing indicator first so peers
	// never see "typing" outlive the message it announced
	ctx.S.TypingStop(p.SubjectID, sess.UserID)

	_, err = ctx.S.Pipeline().Send(context.Background(), p.SubjectID, sess.UserID, p.Content)
	return err
}
