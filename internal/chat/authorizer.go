package chat

import (
	"context"
	"fmt"

	"github.com/livechat/internal/model"
)

// Authorizer answers membership and send permission questions.
type Authorizer struct {
	convs ConversationStore
	users UserStore
}

func NewAuthorizer(convs ConversationStore, users UserStore) *Authorizer {
	return &Authorizer{convs: convs, users: users}
}

func (a *Authorizer) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := a.convs.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("chat.IsMember: %w", err)
	}
	return ok, nil
}

// IsAuthorizedSender requires membership. In a direct conversation the two
// members must also still be friends.
func (a *Authorizer) IsAuthorizedSender(ctx context.Context, conv *model.Conversation, userID string) (bool, error) {
	ok, err := a.IsMember(ctx, conv.ID, userID)
	if err != nil || !ok {
		return false, err
	}
	if !conv.IsDirect() {
		return true, nil
	}
	members, err := a.convs.MemberIDs(ctx, conv.ID)
	if err != nil {
		return false, fmt.Errorf("chat.IsAuthorizedSender members: %w", err)
	}
	for _, peer := range members {
		if peer == userID {
			continue
		}
		friends, err := a.users.AreFriends(ctx, userID, peer)
		if err != nil {
			return false, fmt.Errorf("chat.IsAuthorizedSender friendship: %w", err)
		}
		if !friends {
			return false, nil
		}
	}
	return true, nil
}
