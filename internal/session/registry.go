package session

import (
	"sync"
	"time"
)

// Registry holds live sessions by id. Sessions expire after inactivity; the
// server-side cleaner sweeps them, and a client resuming a swept session gets
// a not-found that it must treat as session death.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Get returns the session for an id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a session.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired removes sessions idle past ttl and returns their ids.
func (r *Registry) SweepExpired(ttl time.Duration) []string {
	cutoff := time.Now().UTC().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept []string
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) && !s.Hunting() {
			delete(r.sessions, id)
			swept = append(swept, id)
		}
	}
	return swept
}
