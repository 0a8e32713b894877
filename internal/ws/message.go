package ws

import (
	"time"

	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/model"
)

type EventType string

// Server to client.
const (
	EventLoadMessages         EventType = "LoadMessages"
	EventReceiveOlderMessages EventType = "ReceiveOlderMessages"
	EventReceiveMessage       EventType = "ReceiveMessage"
	EventReceiveError         EventType = "ReceiveError"
	EventUserStatusChanged    EventType = "UserStatusChanged"
	EventStatusSnapshot       EventType = "StatusSnapshot"
	EventMessagesRead         EventType = "MessagesRead"
)

// Client to server.
const (
	EventSendMessage      EventType = "SendMessage"
	EventLoadMoreMessages EventType = "LoadMoreMessages"
	EventUpdateStatus     EventType = "UpdateStatus"
	EventMarkRead         EventType = "MarkRead"
)

// IncomingMessage is what the client sends to the server. Status stays a
// string here so a bad value becomes a validation error instead of a dropped frame.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`

	// SendMessage
	Body  string       `json:"body,omitempty"`
	Media *model.Media `json:"media,omitempty"`

	// LoadMoreMessages
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"page_size,omitempty"`

	// UpdateStatus
	Status        string `json:"status,omitempty"`
	CustomMessage string `json:"custom_message,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// HistoryPayload carries LoadMessages and ReceiveOlderMessages. Messages are
// ascending; NextCursor is null when there is nothing older.
type HistoryPayload struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
	NextCursor     *string         `json:"next_cursor"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

// ErrorMessage builds the ReceiveError frame for err.
func ErrorMessage(err error) OutgoingMessage {
	ae := apperr.From(err)
	return OutgoingMessage{
		Type:    EventReceiveError,
		Payload: ErrorPayload{Code: string(ae.Code), Message: ae.Message, Retry: ae.Retryable()},
	}
}

type UserStatusPayload struct {
	UserID        string       `json:"user_id"`
	Status        model.Status `json:"status"`
	CustomMessage string       `json:"custom_message,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	Count          int64  `json:"count"`
}
