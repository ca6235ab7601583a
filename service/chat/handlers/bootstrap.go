package handlers

import "FlagChat/service/chat"

// RegisterAll wires every inbound frame type into the dispatcher. Call once
// during server startup.
func RegisterAll(d *chat.Dispatcher) {
	d.Register(NewAuthHandler())
	d.Register(NewJoinHandler())
	d.Register(NewLeaveHandler())
	d.Register(NewSendHandler())
	d.Register(NewAckDeliveredHandler())
	d.Register(NewAckReadHandler())
	d.Register(NewTypingStartHandler())
	d.Register(NewTypingStopHandler())
	d.Register(NewPingHandler())
}
