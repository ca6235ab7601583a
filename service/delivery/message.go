package delivery

import "FlagChat/service/events"

// Message is one chat message as the pipeline tracks it. ID is the per-room
// sequence: strictly increasing and gapless within a subject. DeliveredTo
// and ReadBy only ever grow; both are mutated exclusively under the owning
// room's lock inside the pipeline.
type Message struct {
	ID        int64  `json:"message_id"`
	SubjectID string `json:"subject_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix ms

	DeliveredTo map[string]struct{} `json:"-"`
	ReadBy      map[string]struct{} `json:"-"`
}

func (m *Message) Payload() events.MessagePayload {
	return events.MessagePayload{
		MessageID: m.ID,
		SubjectID: m.SubjectID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (m *Message) WasDeliveredTo(userID string) bool {
	_, ok := m.DeliveredTo[userID]
	return ok
}

func (m *Message) WasReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}
