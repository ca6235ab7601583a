package chat

import (
	"time"

	"FlagChat/service/events"
	"FlagChat/tools/errs"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// FrameType tags one websocket message. Client-to-server types carry a
// command payload; server-to-client types are either handshake acks or
// event fan-out (whose types mirror events.Type verbatim).
type FrameType string

const (
	// client -> server
	FrameAuth         FrameType = "auth"
	FrameJoin         FrameType = "join"
	FrameLeave        FrameType = "leave"
	FrameSend         FrameType = "send"
	FrameAckDelivered FrameType = "ack_delivered"
	FrameAckRead      FrameType = "ack_read"
	FrameTypingStart  FrameType = "typing_start"
	FrameTypingStop   FrameType = "typing_stop"
	FramePing         FrameType = "ping"

	// server -> client
	FrameConnAck FrameType = "conn_ack"
	FrameAuthAck FrameType = "auth_ack"
	FrameJoinAck FrameType = "join_ack"
	FramePong    FrameType = "pong"
	FrameError   FrameType = "error"
)

// Frame is the wire envelope: one JSON object per websocket message.
type Frame struct {
	Type    FrameType      `json:"type"`
	ConnID  string         `json:"conn_id,omitempty"`
	Ts      int64          `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// typed command payloads, decoded out of Frame.Payload via tools/decode

type AuthPayload struct {
	Token string `json:"token"`
}

type SubjectPayload struct {
	SubjectID string `json:"subject_id"`
}

type SendPayload struct {
	SubjectID string `json:"subject_id"`
	Content   string `json:"content"`
}

type AckPayload struct {
	SubjectID string `json:"subject_id"`
	MessageID int64  `json:"message_id"`
	// UpTo marks every message with id <= message_id as read (the mobile
	// client's "mark subject read" action).
	UpTo bool `json:"up_to,omitempty"`
}

// ack payloads sent back to the client

type ConnAckPayload struct {
	ConnID string `json:"conn_id"`
}

type AuthAckPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ConnID    string `json:"conn_id"`
}

type JoinAckPayload struct {
	SubjectID string `json:"subject_id"`
	Created   bool   `json:"created"` // false when the join was idempotent
}

type ErrorPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return f, nil
}

// outbound builders; marshalling happens once in the fan-out path

type outFrame struct {
	Type    FrameType `json:"type"`
	ConnID  string    `json:"conn_id,omitempty"`
	Ts      int64     `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

func encodeFrame(t FrameType, connID string, payload any) []byte {
	b, err := json.Marshal(outFrame{
		Type:    t,
		ConnID:  connID,
		Ts:      time.Now().UnixMilli(),
		Payload: payload,
	})
	if err != nil {
		// payloads are our own structs; this cannot fail at runtime
		return nil
	}
	return b
}

func BuildConnAck(connID string) []byte {
	return encodeFrame(FrameConnAck, connID, ConnAckPayload{ConnID: connID})
}

func BuildAuthAck(userID, sessionID, connID string) []byte {
	return encodeFrame(FrameAuthAck, connID, AuthAckPayload{
		UserID:    userID,
		SessionID: sessionID,
		ConnID:    connID,
	})
}

func BuildJoinAck(subjectID string, created bool) []byte {
	return encodeFrame(FrameJoinAck, "", JoinAckPayload{SubjectID: subjectID, Created: created})
}

func BuildPong() []byte {
	return encodeFrame(FramePong, "", nil)
}

func BuildError(e *errs.CodeError) []byte {
	return encodeFrame(FrameError, "", ErrorPayload{Code: e.Code, Msg: e.Msg})
}

// EncodeEvent turns a dispatcher event into its wire frame. Event types are
// frame types on the wire.
func EncodeEvent(evt events.Event) []byte {
	b, err := json.Marshal(outFrame{
		Type:    FrameType(evt.Type),
		Ts:      evt.Ts,
		Payload: evt.Payload,
	})
	if err != nil {
		return nil
	}
	return b
}
