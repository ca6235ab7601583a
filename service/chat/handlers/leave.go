package handlers

import (
	"FlagChat/service/chat"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
)

type LeaveHandler struct{}

func NewLeaveHandler() chat.Handler          { return &LeaveHandler{} }
func (h *LeaveHandler) Type() chat.FrameType { return chat.FrameLeave }

func (h *LeaveHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("leave before auth")
	}
	p, err := decode.Map[chat.SubjectPayload](f.Payload)
	if err != nil || p.SubjectID == "" {
		return errs.ErrNotMember.WithDetail("malformed leave payload")
	}
	// leaving a room the user is not in is a no-op, matching the join side's
	// idempotency
	ctx.S.Rooms().Leave(sess.UserID, p.SubjectID)
	return nil
}
