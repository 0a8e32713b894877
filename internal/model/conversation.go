package model

import (
	"fmt"
	"time"
)

type ConversationKind string

const (
	ConversationRoom   ConversationKind = "room"
	ConversationDirect ConversationKind = "direct"
)

func ParseConversationKind(s string) (ConversationKind, error) {
	switch k := ConversationKind(s); k {
	case ConversationRoom, ConversationDirect:
		return k, nil
	}
	return "", fmt.Errorf("unknown conversation kind %q", s)
}

// Conversation owns its messages. The preview fields are denormalized from
// the latest message and only meaningful once LastMessageAt is set.
type Conversation struct {
	ID              string           `json:"id"`
	Kind            ConversationKind `json:"kind"`
	Name            string           `json:"name,omitempty"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	LastMessageAt   *time.Time       `json:"last_message_at,omitempty"`
	LastMessageText string           `json:"last_message_text,omitempty"`
	LastSenderID    string           `json:"last_sender_id,omitempty"`
}

func (c *Conversation) IsDirect() bool { return c.Kind == ConversationDirect }

// Group names used by the broadcast layer.
func ConversationGroup(conversationID string) string { return "conversation:" + conversationID }
func UserGroup(userID string) string                 { return "user:" + userID }
