package handlers

import (
	"context"

	"FlagChat/service/chat"
	"FlagChat/service/events"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
)

// JoinHandler admits the user to a subject room and replays recent
// history. The replay only happens for a fresh membership: a repeated join
// is acked but stays silent.
type JoinHandler struct{}

func NewJoinHandler() chat.Handler          { return &JoinHandler{} }
func (h *JoinHandler) Type() chat.FrameType { return chat.FrameJoin }

func (h *JoinHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("join before auth")
	}
	p, err := decode.Map[chat.SubjectPayload](f.Payload)
	if err != nil || p.SubjectID == "" {
		return errs.ErrNotAuthorized.WithDetail("malformed join payload")
	}

	_, created, err := ctx.S.Rooms().Join(context.Background(), sess.UserID, p.SubjectID)
	if err != nil {
		return err
	}
	ctx.S.SendToSession(sess, chat.BuildJoinAck(p.SubjectID, created))

	if !created {
		return nil
	}
	msgs, herr := ctx.S.Pipeline().History(context.Background(), p.SubjectID)
	if herr != nil {
		return herr
	}
	payloads := make([]events.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		payloads = append(payloads, m.Payload())
	}
	evt := events.New(events.History, events.HistoryPayload{
		SubjectID: p.SubjectID,
		Messages:  payloads,
	})
	ctx.S.SendToSession(sess, chat.EncodeEvent(evt))
	return nil
}
