package chat

import (
	"FlagChat/logger"

	"github.com/pkg/errors"
)

// Handler processes one inbound frame type.
type Handler interface {
	Type() FrameType
	Handle(ctx *Context, f *Frame, s *Session) error
}

// Context is what handlers get to reach the rest of the gateway.
type Context struct {
	S *Server
}

// Dispatcher maps the closed set of frame types to their handlers: the
// single multiplexing point for the inbound stream.
type Dispatcher struct {
	handlers map[FrameType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, s *Session) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errors.Errorf("no handler for type=%s", f.Type)
	}
	return h.Handle(ctx, f, s)
}

func (d *Dispatcher) GetHandler(t FrameType) Handler {
	h, ok := d.handlers[t]
	if !ok {
		logger.Debugf("[dispatcher] no handler for type=%s", t)
		return nil
	}
	return h
}
