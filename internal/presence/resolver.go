package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
)

// Liveness answers whether a user currently has a live connection.
type Liveness interface {
	IsConnected(userID string) bool
}

// UserStore is the persisted side of presence.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	// SetPresence stores the preference and refreshes last_seen.
	SetPresence(ctx context.Context, id string, status model.Status, lastSeen time.Time) error
	// SetStatus stores an explicit preference and custom message.
	SetStatus(ctx context.Context, id string, status model.Status, customMessage string) error
}

// Change is what gets announced to a user's viewers.
type Change struct {
	UserID        string       `json:"user_id"`
	Status        model.Status `json:"status"`
	CustomMessage string       `json:"custom_message,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// AnnounceFunc is invoked at most once per reconcile, while the user's
// transition lock is held, so announcements for one user keep their order.
// It must not call back into the Resolver for the same user.
type AnnounceFunc func(Change)

// Resolver combines registry liveness with the stored preference. Transitions
// for one user are serialized by a per-user lock that is separate from the
// registry lock.
type Resolver struct {
	live  Liveness
	users UserStore
	locks *keyedMutex
	now   func() time.Time

	mu        sync.Mutex
	announced map[string]Change
}

func NewResolver(live Liveness, users UserStore) *Resolver {
	return &Resolver{
		live:      live,
		users:     users,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		announced: make(map[string]Change),
	}
}

// EffectiveStatus is what other users see.
func (r *Resolver) EffectiveStatus(u *model.User) model.Status {
	if !r.live.IsConnected(u.ID) {
		return model.StatusOffline
	}
	return u.Status
}

// SelfStatus is what the user sees of their own status. An authenticated
// caller whose preference is still Offline is shown as Online, since their
// presence connection may not have been accepted yet.
func (r *Resolver) SelfStatus(u *model.User) model.Status {
	if u.Status == model.StatusOffline {
		return model.StatusOnline
	}
	return u.Status
}

// Public projects u for other viewers.
func (r *Resolver) Public(u *model.User) model.UserPublic {
	return u.ToPublic(r.EffectiveStatus(u))
}

// Reconcile brings the stored preference in line with current liveness and
// announces the effective status if it differs from the last announcement.
// A stored Offline flips to Online on connect and Online flips to Offline on
// disconnect; Away, DoNotDisturb and Invisible are never rewritten.
func (r *Resolver) Reconcile(ctx context.Context, userID string, announce AnnounceFunc) error {
	defer logger.DeferLogDuration("presence.Reconcile", time.Now())()
	unlock := r.locks.Lock(userID)
	defer unlock()

	connected := r.live.IsConnected(userID)
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence.Reconcile get user: %w", err)
	}

	pref := nextPreference(u.Status, connected)
	now := r.now()
	if err := r.users.SetPresence(ctx, userID, pref, now); err != nil {
		return fmt.Errorf("presence.Reconcile persist: %w", err)
	}

	effective := model.StatusOffline
	if connected {
		effective = pref
	}
	r.announceLocked(Change{UserID: userID, Status: effective, CustomMessage: u.CustomMessage, Timestamp: now}, announce)
	return nil
}

// SetPreference stores an explicit status choice and announces it when the
// effective status or custom message changed.
func (r *Resolver) SetPreference(ctx context.Context, userID string, status model.Status, customMessage string, announce AnnounceFunc) (Change, error) {
	defer logger.DeferLogDuration("presence.SetPreference", time.Now())()
	if !status.Valid() {
		return Change{}, fmt.Errorf("presence.SetPreference: invalid status %d", int(status))
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	if err := r.users.SetStatus(ctx, userID, status, customMessage); err != nil {
		return Change{}, fmt.Errorf("presence.SetPreference persist: %w", err)
	}
	effective := model.StatusOffline
	if r.live.IsConnected(userID) {
		effective = status
	}
	c := Change{UserID: userID, Status: effective, CustomMessage: customMessage, Timestamp: r.now()}
	r.announceLocked(c, announce)
	return c, nil
}

func (r *Resolver) announceLocked(c Change, announce AnnounceFunc) {
	r.mu.Lock()
	prev, ok := r.announced[c.UserID]
	changed := c.Status != model.StatusOffline
	if ok {
		changed = prev.Status != c.Status || prev.CustomMessage != c.CustomMessage
	}
	switch {
	case changed && c.Status == model.StatusOffline:
		// offline users are not tracked
		delete(r.announced, c.UserID)
	case changed:
		r.announced[c.UserID] = c
	}
	r.mu.Unlock()

	if changed && announce != nil {
		announce(c)
	}
}

func nextPreference(stored model.Status, connected bool) model.Status {
	switch {
	case connected && stored == model.StatusOffline:
		return model.StatusOnline
	case !connected && stored == model.StatusOnline:
		return model.StatusOffline
	}
	return stored
}
