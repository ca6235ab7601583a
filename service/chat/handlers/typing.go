package handlers

import (
	"FlagChat/service/chat"
	"FlagChat/tools/decode"
	"FlagChat/tools/errs"
)

type TypingStartHandler struct{}

func NewTypingStartHandler() chat.Handler          { return &TypingStartHandler{} }
func (h *TypingStartHandler) Type() chat.FrameType { return chat.FrameTypingStart }

func (h *TypingStartHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("typing before auth")
	}
	p, err := decode.Map[chat.SubjectPayload](f.Payload)
	if err != nil || p.SubjectID == "" {
		return nil // typing is advisory, a bad frame is not worth an error round trip
	}
	ctx.S.TypingStart(p.SubjectID, sess.UserID)
	return nil
}

type TypingStopHandler struct{}

func NewTypingStopHandler() chat.Handler          { return &TypingStopHandler{} }
func (h *TypingStopHandler) Type() chat.FrameType { return chat.FrameTypingStop }

func (h *TypingStopHandler) Handle(ctx *chat.Context, f *chat.Frame, sess *chat.Session) error {
	if sess.UserID == "" {
		return errs.ErrAuthFailed.WithDetail("typing before auth")
	}
	p, err := decode.Map[chat.SubjectPayload](f.Payload)
	if err != nil || p.SubjectID == "" {
		return nil
	}
	ctx.S.TypingStop(p.SubjectID, sess.UserID)
	return nil
}
