package model

import "time"

// PreviewLimit caps the denormalized last-message excerpt stored on a conversation.
const PreviewLimit = 120

type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is append-only; IsRead is the only field that changes after insert
// and only for direct conversations.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Media          *Media    `json:"media,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Preview returns the excerpt stored on the owning conversation.
func (m *Message) Preview() string {
	body := m.Body
	if body == "" && m.Media != nil {
		return "[attachment]"
	}
	r := []rune(body)
	if len(r) > PreviewLimit {
		return string(r[:PreviewLimit-3]) + "..."
	}
	return body
}
