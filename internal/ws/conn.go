package ws

import "context"

// Conn is one live connection as seen by the hub and the dispatcher.
type Conn interface {
	ID() string
	UserID() string
	// ConversationID is empty for presence connections.
	ConversationID() string
	// Enqueue queues msg without blocking. It returns false when the send
	// buffer is full; a closed connection swallows the message.
	Enqueue(msg OutgoingMessage) bool
	Close()
}

// Dispatcher owns the per-connection protocol. Connect runs before any
// inbound frame is read; a non-nil error rejects the connection after the
// queued frames are flushed. Disconnect runs once for accepted connections.
type Dispatcher interface {
	Connect(ctx context.Context, c Conn) error
	Handle(ctx context.Context, c Conn, msg IncomingMessage)
	Disconnect(ctx context.Context, c Conn)
}
