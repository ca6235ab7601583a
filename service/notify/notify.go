package notify

import (
	"context"

	"FlagChat/service/natsx"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Request is the payload handed to the push-notification collaborator. The
// consumer on the REST side resolves sender_id to a display name before
// handing the notification to APNs/FCM.
type Request struct {
	UserID   string `json:"user_id"` // the offline recipient
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// Producer publishes notification requests for offline recipients onto the
// notify subject.
type Producer struct {
	bus *natsx.Bus
}

func NewProducer(bus *natsx.Bus) *Producer {
	return &Producer{bus: bus}
}

func (p *Producer) NotifyOffline(_ context.Context, userID, senderID, content string) error {
	b, err := json.Marshal(Request{UserID: userID, SenderID: senderID, Content: content})
	if err != nil {
		return errors.Wrap(err, "marshal notify request")
	}
	return p.bus.Publish(natsx.SubjectNotify, b)
}
