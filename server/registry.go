package server

import (
	"sort"
	"sync"

	"chatd/protocol"
)

// Registry maps authenticated user ids to their live session. At most one
// session is registered per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Register binds userID to s and returns the session it replaced, if any.
// The replaced session is left open; evicting it is the caller's job.
func (r *Registry) Register(userID int64, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes userID only if it is still bound to s, so a session
// closing late cannot remove its replacement.
func (r *Registry) Unregister(userID int64, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		return true
	}
	return false
}

// Lookup returns the live session of userID.
func (r *Registry) Lookup(userID int64) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Users returns the usernames of all registered sessions, sorted.
func (r *Registry) Users() []string {
	sessions := r.snapshot()
	users := make([]string, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, s.Username())
	}
	sort.Strings(users)
	return users
}

// Broadcast queues m on every registered session and returns how many
// accepted it. Sessions are snapshotted first so no send happens under
// the lock.
func (r *Registry) Broadcast(m protocol.Message) int {
	var n int
	for _, s := range r.snapshot() {
		msg := m
		msg.ReceiverID = s.UserID()
		if s.Send(msg) == nil {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
