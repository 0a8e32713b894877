// Package memstore is an in-memory implementation of the repositories, used
// by tests and by the API's -memstore mode.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
	"github.com/livechat/internal/repository"
)

type Store struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	friends       map[string]map[string]struct{}
	conversations map[string]*model.Conversation
	members       map[string]map[string]struct{}
	messages      map[string][]model.Message

	Users         *Users
	Conversations *Conversations
	Messages      *Messages
}

func New() *Store {
	s := &Store{
		users:         make(map[string]*model.User),
		friends:       make(map[string]map[string]struct{}),
		conversations: make(map[string]*model.Conversation),
		members:       make(map[string]map[string]struct{}),
		messages:      make(map[string][]model.Message),
	}
	s.Users = &Users{s: s}
	s.Conversations = &Conversations{s: s}
	s.Messages = &Messages{s: s}
	return s
}

// Users mirrors repository.UserRepository.
type Users struct{ s *Store }

func (u *Users) Create(_ context.Context, user *model.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[user.ID]; ok {
		return fmt.Errorf("memstore: user %s exists", user.ID)
	}
	cp := *user
	u.s.users[user.ID] = &cp
	return nil
}

func (u *Users) GetByID(_ context.Context, id string) (*model.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u *Users) SetPresence(_ context.Context, id string, status model.Status, lastSeen time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.Status = status
	user.LastSeen = lastSeen
	return nil
}

func (u *Users) SetStatus(_ context.Context, id string, status model.Status, customMessage string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.Status = status
	user.CustomMessage = customMessage
	return nil
}

func (u *Users) ResetOnline(context.Context) (int64, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var n int64
	for _, user := range u.s.users {
		if user.Status == model.StatusOnline {
			user.Status = model.StatusOffline
			n++
		}
	}
	return n, nil
}

func (u *Users) ListFriends(_ context.Context, userID string) ([]model.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := make([]model.User, 0, len(u.s.friends[userID]))
	for id := range u.s.friends[userID] {
		if f, ok := u.s.users[id]; ok {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (u *Users) FriendIDs(_ context.Context, userID string) ([]string, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := make([]string, 0, len(u.s.friends[userID]))
	for id := range u.s.friends[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (u *Users) AreFriends(_ context.Context, a, b string) (bool, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	_, ok := u.s.friends[a][b]
	return ok, nil
}

func (u *Users) AddFriendship(_ context.Context, a, b string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	link := func(x, y string) {
		if u.s.friends[x] == nil {
			u.s.friends[x] = make(map[string]struct{})
		}
		u.s.friends[x][y] = struct{}{}
	}
	link(a, b)
	link(b, a)
	return nil
}

func (u *Users) RemoveFriendship(_ context.Context, a, b string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	delete(u.s.friends[a], b)
	delete(u.s.friends[b], a)
	return nil
}

// Conversations mirrors repository.ConversationRepository.
type Conversations struct{ s *Store }

func (c *Conversations) Create(_ context.Context, conv *model.Conversation, memberIDs []string) error {
	if conv.Kind == model.ConversationDirect && len(memberIDs) != 2 {
		return fmt.Errorf("memstore: direct conversation needs exactly 2 members, got %d", len(memberIDs))
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cp := *conv
	c.s.conversations[conv.ID] = &cp
	set := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		set[id] = struct{}{}
	}
	c.s.members[conv.ID] = set
	return nil
}

func (c *Conversations) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	conv, ok := c.s.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (c *Conversations) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	_, ok := c.s.members[conversationID][userID]
	return ok, nil
}

func (c *Conversations) MemberIDs(_ context.Context, conversationID string) ([]string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]string, 0, len(c.s.members[conversationID]))
	for id := range c.s.members[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Conversations) RoomIDs(_ context.Context, userID string) ([]string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []string
	for id, conv := range c.s.conversations {
		if conv.Kind != model.ConversationRoom {
			continue
		}
		if _, ok := c.s.members[id][userID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Conversations) UpdatePreview(_ context.Context, m *model.Message) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conv, ok := c.s.conversations[m.ConversationID]
	if !ok {
		return repository.ErrNotFound
	}
	if conv.LastMessageAt != nil && conv.LastMessageAt.After(m.CreatedAt) {
		return nil
	}
	at := m.CreatedAt
	conv.LastMessageAt = &at
	conv.LastMessageText = m.Preview()
	conv.LastSenderID = m.SenderID
	return nil
}

// Messages mirrors repository.MessageRepository.
type Messages struct{ s *Store }

func messageKey(m model.Message) pager.Key { return pager.Key{At: m.CreatedAt, ID: m.ID} }

func (r *Messages) Create(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conversations[m.ConversationID]; !ok {
		return fmt.Errorf("memstore: conversation %s: %w", m.ConversationID, repository.ErrNotFound)
	}
	for _, existing := range r.s.messages[m.ConversationID] {
		if existing.ID == m.ID {
			return fmt.Errorf("memstore: duplicate message id %s", m.ID)
		}
	}
	r.s.messages[m.ConversationID] = append(r.s.messages[m.ConversationID], *m)
	return nil
}

// newestFirst returns a sorted copy; caller holds the read lock.
func (r *Messages) newestFirst(conversationID string) []model.Message {
	out := slices.Clone(r.s.messages[conversationID])
	sort.Slice(out, func(i, j int) bool { return messageKey(out[j]).Less(messageKey(out[i])) })
	return out
}

func (r *Messages) Latest(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := r.newestFirst(conversationID)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *Messages) Before(_ context.Context, conversationID string, key pager.Key, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.Message, 0, limit)
	for _, m := range r.newestFirst(conversationID) {
		if !messageKey(m).Less(key) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Messages) MarkRead(_ context.Context, conversationID, readerID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	msgs := r.s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

// All returns every stored message of a conversation in (created_at, id) order.
func (r *Messages) All(conversationID string) []model.Message {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.newestFirst(conversationID)
	slices.Reverse(out)
	return out
}
