// Package chat implements the per-connection conversation protocol: history
// on connect, message delivery, status updates and read receipts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/events"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/telemetry"
	"github.com/livechat/internal/ws"
)

// Broadcaster is the slice of *ws.Hub the handler needs.
type Broadcaster interface {
	SendToGroup(ctx context.Context, group string, msg ws.OutgoingMessage)
	SendToCaller(c ws.Conn, msg ws.OutgoingMessage)
	JoinGroup(c ws.Conn, group string)
	LeaveAll(c ws.Conn)
}

type UserStore interface {
	presence.UserStore
	ListFriends(ctx context.Context, userID string) ([]model.User, error)
	FriendIDs(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	RoomIDs(ctx context.Context, userID string) ([]string, error)
	UpdatePreview(ctx context.Context, m *model.Message) error
}

type MessageStore interface {
	pager.Source[model.Message]
	Create(ctx context.Context, m *model.Message) error
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// Notifier reaches users with no live connection.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// timestamptz resolution; keeps in-memory and stored keys identical
const timePrecision = time.Microsecond

type Options struct {
	PageSize       int
	MaxPageSize    int
	MaxBodyLength  int
	PersistTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = pager.DefaultPageSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = pager.MaxPageSize
	}
	if o.MaxBodyLength <= 0 {
		o.MaxBodyLength = 4000
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

// Deps wires the handler. Events and Push may be nil.
type Deps struct {
	Hub           Broadcaster
	Users         UserStore
	Conversations ConversationStore
	Messages      MessageStore
	Registry      *presence.Registry
	Events        events.Publisher
	Push          Notifier
}

// Handler implements ws.Dispatcher and backs the REST endpoints with the
// same operations.
type Handler struct {
	hub      Broadcaster
	users    UserStore
	convs    ConversationStore
	msgs     MessageStore
	registry *presence.Registry
	resolver *presence.Resolver
	auth     *Authorizer
	pages    *pager.Pager[model.Message]
	events   events.Publisher
	push     Notifier
	tracer   trace.Tracer
	opts     Options
	now      func() time.Time
}

func NewHandler(d Deps, opts Options) *Handler {
	opts = opts.withDefaults()
	ev := d.Events
	if ev == nil {
		ev = events.Noop{}
	}
	return &Handler{
		hub:      d.Hub,
		users:    d.Users,
		convs:    d.Conversations,
		msgs:     d.Messages,
		registry: d.Registry,
		resolver: presence.NewResolver(d.Registry, d.Users),
		auth:     NewAuthorizer(d.Conversations, d.Users),
		pages:    pager.New[model.Message](d.Messages, messageKey, opts.PageSize, opts.MaxPageSize),
		events:   ev,
		push:     d.Push,
		tracer:   telemetry.Tracer(),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func messageKey(m model.Message) pager.Key { return pager.Key{At: m.CreatedAt, ID: m.ID} }

// Resolver exposes the status rules for the REST layer.
func (h *Handler) Resolver() *presence.Resolver { return h.resolver }

func (h *Handler) Connect(ctx context.Context, c ws.Conn) error {
	ctx, span := h.tracer.Start(ctx, "chat.Connect", trace.WithAttributes(
		attribute.String("user.id", c.UserID()),
		attribute.String("conversation.id", c.ConversationID()),
	))
	defer span.End()

	var err error
	if c.ConversationID() == "" {
		err = h.connectPresence(ctx, c)
	} else {
		err = h.connectConversation(ctx, c)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.IncWSEvent("Connect", "rejected")
		h.sendError(c, err)
		return err
	}
	metrics.IncWSEvent("Connect", "ok")
	return nil
}

func (h *Handler) connectConversation(ctx context.Context, c ws.Conn) error {
	convID := c.ConversationID()
	if _, err := h.conversation(ctx, convID); err != nil {
		return err
	}
	ok, err := h.auth.IsMember(ctx, convID, c.UserID())
	if err != nil {
		return apperr.Unavailable("membership check failed", err)
	}
	if !ok {
		return apperr.Forbidden("not a member of this conversation")
	}

	// join before loading so nothing sent in between is missed
	h.hub.JoinGroup(c, model.ConversationGroup(convID))
	page, err := h.pages.LoadTail(ctx, convID, h.opts.PageSize)
	if err != nil {
		return apperr.Unavailable("could not load history", err)
	}
	h.hub.SendToCaller(c, ws.OutgoingMessage{
		Type:    ws.EventLoadMessages,
		Payload: ws.HistoryPayload{ConversationID: convID, Messages: page.Items, NextCursor: page.NextCursor},
	})
	return nil
}

func (h *Handler) connectPresence(ctx context.Context, c ws.Conn) error {
	userID := c.UserID()
	h.hub.JoinGroup(c, model.UserGroup(userID))
	h.registry.Register(userID, c.ID())
	metrics.SetOnlineUsers(h.registry.OnlineUsers())

	if err := h.resolver.Reconcile(ctx, userID, h.announcer(ctx)); err != nil {
		if h.registry.Deregister(userID, c.ID()) {
			metrics.SetOnlineUsers(h.registry.OnlineUsers())
		}
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("user not found")
		}
		return apperr.Unavailable("presence update failed", err)
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		logger.Errorf("chat connect presence snapshot user=%s: %v", userID, err)
		return nil
	}
	h.hub.SendToCaller(c, ws.OutgoingMessage{
		Type: ws.EventStatusSnapshot,
		Payload: ws.UserStatusPayload{
			UserID:        userID,
			Status:        h.resolver.SelfStatus(u),
			CustomMessage: u.CustomMessage,
			Timestamp:     h.now(),
		},
	})
	return nil
}

// Handle dispatches one inbound frame. Failures go to the caller only.
func (h *Handler) Handle(ctx context.Context, c ws.Conn, msg ws.IncomingMessage) {
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "chat."+string(msg.Type), trace.WithAttributes(
		attribute.String("user.id", c.UserID()),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("chat handle %s user=%s panic: %v\n%s", msg.Type, c.UserID(), r, debug.Stack())
			span.SetStatus(codes.Error, "panic")
			metrics.IncWSEvent(string(msg.Type), "panic")
			h.sendError(c, apperr.Internal("internal error", fmt.Errorf("panic: %v", r)))
		}
	}()
	defer logger.DeferLogDuration("chat."+string(msg.Type), start)()

	var err error
	switch msg.Type {
	case ws.EventSendMessage:
		err = h.handleSend(ctx, c, msg)
	case ws.EventLoadMoreMessages:
		err = h.handleLoadMore(ctx, c, msg)
	case ws.EventUpdateStatus:
		err = h.handleUpdateStatus(ctx, c, msg)
	case ws.EventMarkRead:
		err = h.handleMarkRead(ctx, c, msg)
	default:
		err = apperr.Validation(fmt.Sprintf("unknown event type %q", msg.Type))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.IncWSEvent(string(msg.Type), "error")
		h.sendError(c, err)
		return
	}
	metrics.IncWSEvent(string(msg.Type), "ok")
}

// Disconnect leaves every group; the last presence connection of a user
// reconciles them to offline.
func (h *Handler) Disconnect(ctx context.Context, c ws.Conn) {
	h.hub.LeaveAll(c)
	if c.ConversationID() != "" {
		return
	}
	userID := c.UserID()
	last := h.registry.Deregister(userID, c.ID())
	metrics.SetOnlineUsers(h.registry.OnlineUsers())
	if !last {
		return
	}
	if err := h.resolver.Reconcile(ctx, userID, h.announcer(ctx)); err != nil {
		logger.Errorf("chat disconnect reconcile user=%s: %v", userID, err)
	}
}

// conversationID prefers the frame's id and falls back to the connection's.
func conversationID(c ws.Conn, msg ws.IncomingMessage) string {
	if msg.ConversationID != "" {
		return msg.ConversationID
	}
	return c.ConversationID()
}

func (h *Handler) conversation(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, apperr.Validation("conversation id is required")
	}
	conv, err := h.convs.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperr.Unavailable("could not load conversation", err)
	}
	return conv, nil
}

func (h *Handler) sendError(c ws.Conn, err error) {
	ae := apperr.From(err)
	if ae.Code == apperr.CodeInternal || ae.Code == apperr.CodeUnavailable {
		logger.Errorf("chat user=%s conn=%s: %v", c.UserID(), c.ID(), err)
	}
	h.hub.SendToCaller(c, ws.ErrorMessage(ae))
}
