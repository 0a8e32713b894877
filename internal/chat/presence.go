package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/livechat/internal/apperr"
	"github.com/livechat/internal/events"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/ws"
)

const maxCustomMessage = 140

func (h *Handler) handleUpdateStatus(ctx context.Context, c ws.Conn, msg ws.IncomingMessage) error {
	status, err := model.ParseStatus(msg.Status)
	if err != nil {
		return apperr.Validation(err.Error())
	}
	_, err = h.SetStatus(ctx, c.UserID(), status, msg.CustomMessage)
	return err
}

// SetStatus stores an explicit preference and announces it when the
// effective status changed.
func (h *Handler) SetStatus(ctx context.Context, userID string, status model.Status, customMessage string) (presence.Change, error) {
	customMessage = strings.TrimSpace(customMessage)
	if utf8.RuneCountInString(customMessage) > maxCustomMessage {
		return presence.Change{}, apperr.Validation("custom message is too long")
	}
	ch, err := h.resolver.SetPreference(ctx, userID, status, customMessage, h.announcer(ctx))
	if errors.Is(err, repository.ErrNotFound) {
		return presence.Change{}, apperr.NotFound("user not found")
	}
	if err != nil {
		return presence.Change{}, apperr.Unavailable("could not update status", err)
	}
	return ch, nil
}

// announcer fans a status change out to the user's own devices, their
// friends and every room they belong to. It runs under the user's
// transition lock, so sends for one user keep their order.
func (h *Handler) announcer(ctx context.Context) presence.AnnounceFunc {
	return func(ch presence.Change) {
		msg := ws.OutgoingMessage{
			Type: ws.EventUserStatusChanged,
			Payload: ws.UserStatusPayload{
				UserID:        ch.UserID,
				Status:        ch.Status,
				CustomMessage: ch.CustomMessage,
				Timestamp:     ch.Timestamp,
			},
		}
		h.hub.SendToGroup(ctx, model.UserGroup(ch.UserID), msg)

		friends, err := h.users.FriendIDs(ctx, ch.UserID)
		if err != nil {
			logger.Errorf("chat announce friends user=%s: %v", ch.UserID, err)
		}
		for _, id := range friends {
			h.hub.SendToGroup(ctx, model.UserGroup(id), msg)
		}
		rooms, err := h.convs.RoomIDs(ctx, ch.UserID)
		if err != nil {
			logger.Errorf("chat announce rooms user=%s: %v", ch.UserID, err)
		}
		for _, id := range rooms {
			h.hub.SendToGroup(ctx, model.ConversationGroup(id), msg)
		}

		metrics.IncPresenceTransition(ch.Status.String())
		if err := h.events.Publish(ctx, events.KeyPresenceChanged, ch); err != nil {
			logger.Warnf("chat publish %s user=%s: %v", events.KeyPresenceChanged, ch.UserID, err)
		}
	}
}

// Me is the caller's own view of their profile.
func (h *Handler) Me(ctx context.Context, userID string) (model.UserPublic, error) {
	u, err := h.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.UserPublic{}, apperr.NotFound("user not found")
	}
	if err != nil {
		return model.UserPublic{}, apperr.Unavailable("could not load user", err)
	}
	return u.ToPublic(h.resolver.SelfStatus(u)), nil
}

// OnlineFriends lists friends whose effective status counts as online.
func (h *Handler) OnlineFriends(ctx context.Context, userID string) ([]model.UserPublic, error) {
	friends, err := h.users.ListFriends(ctx, userID)
	if err != nil {
		return nil, apperr.Unavailable("could not load friends", err)
	}
	out := make([]model.UserPublic, 0, len(friends))
	for i := range friends {
		pub := h.resolver.Public(&friends[i])
		if pub.Status.IsConsideredOnline() {
			out = append(out, pub)
		}
	}
	return out, nil
}
