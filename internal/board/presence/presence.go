// Package presence implements the in-memory, process-local registry of
// connected users and their live activity (which task they are viewing or
// editing). None of this is persisted; its lifetime is bounded by the
// duplex session that created each entry.
package presence

import (
	"sync"
	"time"

	"github.com/taskboard/realtime-board/internal/board/domain"
)

// Palette is the fixed, round-robin set of colors assigned to connecting
// users. Two users beyond the eighth receive a repeated color; no
// uniqueness invariant is promised.
var Palette = []string{
	"#e57373",
	"#64b5f6",
	"#81c784",
	"#ffd54f",
	"#ba68c8",
	"#4db6ac",
	"#f06292",
	"#a1887f",
}

// Registry is a thread-safe map of clientId to PresenceUser, accessed from
// the connection supervisor and the message router.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]domain.PresenceUser
	nextIdx int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]domain.PresenceUser),
	}
}

// AddUser creates a presence entry for clientId, assigning the next color
// in the palette by connection order. Re-adding an already-known clientId
// replaces its entry (last accept wins), matching the invariant that
// lifetime is bounded by the current session.
func (r *Registry) AddUser(clientID, username string) domain.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	color := Palette[r.nextIdx%len(Palette)]
	r.nextIdx++

	user := domain.PresenceUser{
		ClientID:    clientID,
		Username:    username,
		Color:       color,
		ConnectedAt: time.Now(),
	}
	r.users[clientID] = user
	return user
}

// UpdateUser merges a patch into an existing entry's Username, ViewingTask
// and EditingTask. An unknown clientId returns (zero, false) without
// creating an entry.
func (r *Registry) UpdateUser(clientID string, patch domain.PresencePatch) (domain.PresenceUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[clientID]
	if !ok {
		return domain.PresenceUser{}, false
	}

	if patch.Username != nil {
		user.Username = *patch.Username
	}
	switch {
	case patch.ClearViewingTask:
		user.ViewingTask = nil
	case patch.ViewingTask != nil:
		user.ViewingTask = patch.ViewingTask
	}
	switch {
	case patch.ClearEditingTask:
		user.EditingTask = nil
	case patch.EditingTask != nil:
		user.EditingTask = patch.EditingTask
	}

	r.users[clientID] = user
	return user, true
}

// RemoveUser deletes the entry for clientId, if any.
func (r *Registry) RemoveUser(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, clientID)
}

// GetAllUsers returns a stable snapshot slice for broadcasting. The slice is
// a copy; mutating it does not affect the registry.
func (r *Registry) GetAllUsers() []domain.PresenceUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]domain.PresenceUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users
}
