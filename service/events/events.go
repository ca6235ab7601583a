package events

import "time"

// Type names the closed set of events the dispatcher fans out. These are
// wire values: the mobile client switches on them verbatim.
type Type string

const (
	PresenceChanged  Type = "presence_changed"
	MembershipJoined Type = "membership_joined"
	MembershipLeft   Type = "membership_left"
	SubjectClosed    Type = "subject_closed"
	MessageNew       Type = "message_new"
	MessageRead      Type = "message_read"
	TypingStart      Type = "typing_start"
	TypingStop       Type = "typing_stop"
	History          Type = "history"
)

// Event is one outbound unit. Payload is one of the *Payload structs below;
// it crosses the wire as the frame's payload object.
type Event struct {
	Type    Type  `json:"type"`
	Ts      int64 `json:"ts"`
	Payload any   `json:"payload,omitempty"`
}

func New(t Type, payload any) Event {
	return Event{Type: t, Ts: time.Now().UnixMilli(), Payload: payload}
}

// Sink delivers an event to every active connection of each listed user.
// Implemented by the gateway server (local connections plus the NATS bus
// for peers attached to other nodes).
type Sink interface {
	Deliver(userIDs []string, evt Event)
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type MembershipPayload struct {
	SubjectID string `json:"subject_id"`
	UserID    string `json:"user_id"`
}

type SubjectClosedPayload struct {
	SubjectID string `json:"subject_id"`
}

type MessagePayload struct {
	MessageID int64  `json:"message_id"`
	SubjectID string `json:"subject_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type ReadPayload struct {
	SubjectID string `json:"subject_id"`
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"` // the reader
}

type TypingPayload struct {
	SubjectID string `json:"subject_id"`
	UserID    string `json:"user_id"`
}

type HistoryPayload struct {
	SubjectID string           `json:"subject_id"`
	Messages  []MessagePayload `json:"messages"`
}
