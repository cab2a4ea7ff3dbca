package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrSessionExists = errors.New("session: id already active")

// Registry maps session ids to live sessions. It is safe for concurrent use;
// the registry lock only covers insert, lookup and removal, never a
// session's own transitions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
	gen      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[ID]*Session)}
}

// Insert creates a session for id. It fails with ErrSessionExists while a
// session with the same id is live.
func (r *Registry) Insert(id ID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionExists, id)
	}
	r.gen++
	s := &Session{
		ID:         id,
		Generation: r.gen,
		StartedAt:  time.Now(),
		Attrs:      NewAttributes(),
	}
	r.sessions[id] = s
	return s, nil
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters the live session for id and returns it.
func (r *Registry) Remove(id ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// RemoveSession unregisters s only if it is still the live session for its
// id. A newer session that reused the id is left alone.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns the live sessions ordered by id.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a copy of every live session ordered by id.
func (r *Registry) Snapshot() []Snapshot {
	sessions := r.All()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
