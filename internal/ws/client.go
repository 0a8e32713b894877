package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/logger"
)

// Options are the per-connection limits. Zero fields take the defaults.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	return o
}

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is a single WebSocket connection.
// Lifecycle: NewClient -> Hub.Admit -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub        *Hub
	dispatcher Dispatcher
	conn       *websocket.Conn
	send       chan OutgoingMessage
	opts       Options

	id             string
	userID         string
	conversationID string

	// done guards Enqueue once the client is closed.
	done chan struct{}
	// flush asks writePump to drain the queue, send a close frame and stop.
	flush     chan struct{}
	flushOnce sync.Once
	cancel    context.CancelFunc
	once      sync.Once
	wg        sync.WaitGroup
}

func NewClient(hub *Hub, d Dispatcher, conn *websocket.Conn, userID, conversationID string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		hub:            hub,
		dispatcher:     d,
		conn:           conn,
		send:           make(chan OutgoingMessage, opts.SendBuffer),
		opts:           opts,
		id:             uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		done:           make(chan struct{}),
		flush:          make(chan struct{}),
	}
}

func (c *Client) ID() string             { return c.id }
func (c *Client) UserID() string         { return c.userID }
func (c *Client) ConversationID() string { return c.conversationID }

func (c *Client) Enqueue(msg OutgoingMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// Start launches readPump and writePump. ctx controls pump lifetime; cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) closeAfterFlush() {
	c.flushOnce.Do(func() { close(c.flush) })
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()

	if err := c.dispatcher.Connect(ctx, c); err != nil {
		logger.Infof("ws connect rejected user=%s conn=%s: %v", c.userID, c.id, err)
		c.hub.Release(c)
		c.closeAfterFlush()
		return
	}
	defer func() {
		// the send must not be cut short by the client going away
		c.dispatcher.Disconnect(context.WithoutCancel(ctx), c)
		c.hub.Release(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			c.hub.SendToCaller(c, ErrorMessage(apperr.Validation("malformed frame")))
			continue
		}

		c.dispatcher.Handle(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		case <-c.flush:
			c.drain()
			c.writeClose(websocket.ClosePolicyViolation, "rejected")
			return
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain writes whatever is already queued.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

// write encodes and writes one frame; false means the connection is unusable.
func (c *Client) write(msg OutgoingMessage) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
		return false
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error user=%s event=%s: %v", c.userID, msg.Type, err)
		return true
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (c *Client) writeClose(code int, reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		logger.Debugf("ws close message user=%s: %v", c.userID, err)
	}
}
