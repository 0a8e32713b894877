// Package presence tracks live connections per user and derives the status
// other users see from liveness plus the stored preference.
package presence

import (
	"fmt"
	"sync"
)

// Registry maps users to their live connection ids. One mutex guards the
// whole map; it is only held for the set mutation itself.
type Registry struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
	total int
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]struct{})}
}

// Register adds connID to userID's set and reports whether it is the first.
// Registering the same connection twice is a no-op.
func (r *Registry) Register(userID, connID string) (wasOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{}, 1)
		r.users[userID] = conns
	}
	if _, dup := conns[connID]; dup {
		return false
	}
	conns[connID] = struct{}{}
	r.total++
	return len(conns) == 1
}

// Deregister removes connID and reports whether the user has no connections
// left, in which case the user's entry is dropped. Unknown ids return false.
func (r *Registry) Deregister(userID, connID string) (isLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	if len(conns) == 0 {
		panic(fmt.Sprintf("presence: empty connection set retained for user %s", userID))
	}
	if _, found := conns[connID]; !found {
		return false
	}
	delete(conns, connID)
	r.total--
	if len(conns) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Connections returns the number of live connections for userID.
func (r *Registry) Connections(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}

// OnlineUsers returns how many users have at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Total returns the number of registered connections across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// FilterConnected returns the subset of ids with at least one connection,
// preserving input order.
func (r *Registry) FilterConnected(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(r.users[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}
