package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/events"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
	"github.com/livechat/internal/ws"
)

// SendInput is a message as submitted by a client.
type SendInput struct {
	ConversationID string
	Body           string
	Media          *model.Media
}

func (h *Handler) handleSend(ctx context.Context, c ws.Conn, msg ws.IncomingMessage) error {
	_, err := h.SendMessage(ctx, c.UserID(), SendInput{
		ConversationID: conversationID(c, msg),
		Body:           msg.Body,
		Media:          msg.Media,
	})
	return err
}

// SendMessage validates, persists and fans out one message. Once persisted
// the broadcast is always attempted, even if the caller has gone away.
func (h *Handler) SendMessage(ctx context.Context, senderID string, in SendInput) (*model.Message, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" && in.Media == nil {
		return nil, apperr.Validation("message body is empty")
	}
	if utf8.RuneCountInString(body) > h.opts.MaxBodyLength {
		return nil, apperr.Validation("message body is too long")
	}
	if in.Media != nil && strings.TrimSpace(in.Media.URL) == "" {
		return nil, apperr.Validation("media url is required")
	}

	conv, err := h.conversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	ok, err := h.auth.IsAuthorizedSender(ctx, conv, senderID)
	if err != nil {
		return nil, apperr.Unavailable("authorization check failed", err)
	}
	if !ok {
		return nil, apperr.Forbidden("not allowed to send to this conversation")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal("could not allocate message id", err)
	}
	m := &model.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Body:           body,
		Media:          in.Media,
		CreatedAt:      h.now().Truncate(timePrecision),
	}

	// detached so a dropped client cannot leave the send half-applied
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.PersistTimeout)
	defer cancel()
	if err := h.msgs.Create(persistCtx, m); err != nil {
		return nil, apperr.Unavailable("message was not saved", err)
	}
	if err := h.convs.UpdatePreview(persistCtx, m); err != nil {
		logger.Warnf("chat preview conversation=%s: %v", conv.ID, err)
	}

	h.hub.SendToGroup(persistCtx, model.ConversationGroup(conv.ID), ws.OutgoingMessage{Type: ws.EventReceiveMessage, Payload: m})
	metrics.IncMessage(string(conv.Kind))
	if err := h.events.Publish(persistCtx, events.KeyMessageCreated, m); err != nil {
		logger.Warnf("chat publish %s message=%s: %v", events.KeyMessageCreated, m.ID, err)
	}
	h.notifyOffline(persistCtx, conv, m)
	return m, nil
}

// notifyOffline sends a web push to members with no live presence connection.
func (h *Handler) notifyOffline(ctx context.Context, conv *model.Conversation, m *model.Message) {
	if h.push == nil {
		return
	}
	members, err := h.convs.MemberIDs(ctx, conv.ID)
	if err != nil {
		logger.Warnf("chat push members conversation=%s: %v", conv.ID, err)
		return
	}
	online := make(map[string]struct{})
	for _, id := range h.registry.FilterConnected(members) {
		online[id] = struct{}{}
	}
	title := conv.Name
	if title == "" {
		title = "New message"
	}
	data := map[string]string{"conversation_id": conv.ID, "message_id": m.ID}
	for _, id := range members {
		if id == m.SenderID {
			continue
		}
		if _, ok := online[id]; ok {
			continue
		}
		h.push.Notify(ctx, id, title, m.Preview(), data)
	}
}

func (h *Handler) handleLoadMore(ctx context.Context, c ws.Conn, msg ws.IncomingMessage) error {
	convID := conversationID(c, msg)
	if strings.TrimSpace(msg.Cursor) == "" {
		return apperr.Validation("cursor is required")
	}
	page, err := h.History(ctx, c.UserID(), convID, msg.Cursor, msg.PageSize)
	if err != nil {
		return err
	}
	h.hub.SendToCaller(c, ws.OutgoingMessage{
		Type:    ws.EventReceiveOlderMessages,
		Payload: ws.HistoryPayload{ConversationID: convID, Messages: page.Items, NextCursor: page.NextCursor},
	})
	return nil
}

// History returns one ascending page. An empty cursor returns the tail.
func (h *Handler) History(ctx context.Context, userID, convID, cursor string, size int) (pager.Page[model.Message], error) {
	var key pager.Key
	if cursor != "" {
		k, err := pager.ParseCursor(cursor)
		if err != nil || (k.ID != "" && uuid.Validate(k.ID) != nil) {
			return pager.Page[model.Message]{}, apperr.Validation("malformed cursor")
		}
		key = k
	}
	if _, err := h.conversation(ctx, convID); err != nil {
		return pager.Page[model.Message]{}, err
	}
	ok, err := h.auth.IsMember(ctx, convID, userID)
	if err != nil {
		return pager.Page[model.Message]{}, apperr.Unavailable("membership check failed", err)
	}
	if !ok {
		return pager.Page[model.Message]{}, apperr.Forbidden("not a member of this conversation")
	}

	var page pager.Page[model.Message]
	if cursor == "" {
		page, err = h.pages.LoadTail(ctx, convID, size)
	} else {
		page, err = h.pages.LoadBefore(ctx, convID, key, size)
	}
	if err != nil {
		return pager.Page[model.Message]{}, apperr.Unavailable("could not load history", err)
	}
	return page, nil
}

func (h *Handler) handleMarkRead(ctx context.Context, c ws.Conn, msg ws.IncomingMessage) error {
	_, err := h.MarkRead(ctx, c.UserID(), conversationID(c, msg))
	return err
}

// MarkRead flags the peer's messages in a direct conversation as read and
// tells the conversation group.
func (h *Handler) MarkRead(ctx context.Context, readerID, convID string) (int64, error) {
	conv, err := h.conversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	if !conv.IsDirect() {
		return 0, apperr.Validation("read receipts exist only in direct conversations")
	}
	ok, err := h.auth.IsMember(ctx, convID, readerID)
	if err != nil {
		return 0, apperr.Unavailable("membership check failed", err)
	}
	if !ok {
		return 0, apperr.Forbidden("not a member of this conversation")
	}
	n, err := h.msgs.MarkRead(ctx, convID, readerID)
	if err != nil {
		return 0, apperr.Unavailable("could not mark messages read", err)
	}
	if n == 0 {
		return 0, nil
	}
	payload := ws.MessagesReadPayload{ConversationID: convID, ReaderID: readerID, Count: n}
	h.hub.SendToGroup(ctx, model.ConversationGroup(convID), ws.OutgoingMessage{Type: ws.EventMessagesRead, Payload: payload})
	if err := h.events.Publish(ctx, events.KeyMessagesRead, payload); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("chat publish %s conversation=%s: %v", events.KeyMessagesRead, convID, err)
	}
	return n, nil
}
