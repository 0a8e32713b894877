// Package wstest provides an in-memory ws.Conn for tests.
package wstest

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/livechat/internal/ws"
)

// Conn records every enqueued frame. Capacity 0 means unbounded.
type Conn struct {
	id             string
	userID         string
	conversationID string
	capacity       int

	mu     sync.Mutex
	frames []ws.OutgoingMessage
	closed bool
}

func NewConn(userID, conversationID string) *Conn {
	return &Conn{id: uuid.NewString(), userID: userID, conversationID: conversationID}
}

// NewBoundedConn refuses frames beyond capacity, like a full send buffer.
func NewBoundedConn(userID, conversationID string, capacity int) *Conn {
	c := NewConn(userID, conversationID)
	c.capacity = capacity
	return c
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) UserID() string         { return c.userID }
func (c *Conn) ConversationID() string { return c.conversationID }

func (c *Conn) Enqueue(msg ws.OutgoingMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, msg)
	return true
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of everything received so far.
func (c *Conn) Frames() []ws.OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ws.OutgoingMessage(nil), c.frames...)
}

// Of returns the frames of one event type.
func (c *Conn) Of(t ws.EventType) []ws.OutgoingMessage {
	var out []ws.OutgoingMessage
	for _, f := range c.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Decode re-encodes a frame payload into v, so relayed raw payloads and
// typed payloads can be inspected the same way.
func Decode(f ws.OutgoingMessage, v any) error {
	raw, err := json.Marshal(f.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
