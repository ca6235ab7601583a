package handlers

import (
	"context"

	"FlagChat/service/chat"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
)

type AckDeliveredHandler struct{}

func NewAckDeliveredHandler() chat.Handler          { return &AckDeliveredHandler{} }
func (h *AckDeliveredHandler) Type() chat.FrameType { return chat.FrameAckDelivered }

func (h *AckDeliveredHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("ack before auth")
	}
	p, err := decode.Map[chat.AckPayload](f.Payload)
	if err != nil || p.SubjectID == "" || p.MessageID <= 0 {
		return errs.ErrNotMember.WithDetail("malformed ack payload")
	}
	return ctx.S.Pipeline().AckDelivered(context.Background(), p.SubjectID, p.MessageID, sess.UserID)
}

// AckReadHandler records read receipts. With up_to set it marks every
// message at or below message_id read, which is how the client implements
// "mark subject read" when the chat screen opens.
type AckReadHandler struct{}

func NewAckReadHandler() chat.Handler          { return &AckReadHandler{} }
func (h *AckReadHandler) Type() chat.FrameType { return chat.FrameAckRead }

func (h *AckReadHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("ack before auth")
	}
	p, err := decode.Map[chat.AckPayload](f.Payload)
	if err != nil || p.SubjectID == "" || p.MessageID <= 0 {
		return errs.ErrNotMember.WithDetail("malformed ack payload")
	}

	if p.UpTo {
		if err := ctx.S.Pipeline().ReadUpTo(context.Background(), p.SubjectID, p.MessageID, sess.UserID); err != nil {
			return err
		}
	} else if err := ctx.S.Pipeline().AckRead(context.Background(), p.SubjectID, p.MessageID, sess.UserID); err != nil {
		return err
	}
	// advance the membership's read cursor; monotonic, so a stale ack after
	// an up_to mark is absorbed
	ctx.S.Rooms().MarkRead(sess.UserID, p.SubjectID, p.MessageID)
	return nil
}
