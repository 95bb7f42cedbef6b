// Package session tracks every live connection and its per-connection
// session attributes: identity, current room, and last heartbeat.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the mutable state of one live connection. Values returned by
// the Registry are copies; mutate through Registry.Update.
type Session struct {
	ID            string
	RemoteAddr    string
	UserID        string
	UserName      string
	RoomID        string
	OpenedAt      time.Time
	LastHeartbeat time.Time
}

// Joined reports whether the session currently occupies a room.
func (s Session) Joined() bool {
	return s.RoomID != ""
}

// Patch is a partial update. Only non-nil fields are applied.
type Patch struct {
	UserID        *string
	UserName      *string
	RoomID        *string
	LastHeartbeat *time.Time
}

// Registry owns all sessions, keyed by connection id.
//
// Registry is not safe for concurrent use. It belongs to the hub's event
// loop, which serializes every access.
type Registry struct {
	sessions map[string]*Session
	now      func() time.Time
	newID    func() string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Register records a new connection and returns its process-unique id.
func (r *Registry) Register(remoteAddr string) string {
	id := r.newID()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = r.newID()
	}

	now := r.now()
	r.sessions[id] = &Session{
		ID:            id,
		RemoteAddr:    remoteAddr,
		OpenedAt:      now,
		LastHeartbeat: now,
	}
	return id
}

// Lookup returns a copy of the session for id.
func (r *Registry) Lookup(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Update merges patch into the session for id. It returns false when the
// connection is unknown.
func (r *Registry) Update(id string, patch Patch) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if patch.UserID != nil {
		s.UserID = *patch.UserID
	}
	if patch.UserName != nil {
		s.UserName = *patch.UserName
	}
	if patch.RoomID != nil {
		s.RoomID = *patch.RoomID
	}
	if patch.LastHeartbeat != nil {
		s.LastHeartbeat = *patch.LastHeartbeat
	}
	return true
}

// Touch records a heartbeat for id at the current time.
func (r *Registry) Touch(id string) bool {
	now := r.now()
	return r.Update(id, Patch{LastHeartbeat: &now})
}

// Unregister removes the session. Callers evict the connection from its
// room first; the registry does not cascade.
func (r *Registry) Unregister(id string) {
	delete(r.sessions, id)
}

// Stale returns the ids whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	var ids []string
	for id, s := range r.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return len(r.sessions)
}

// Strp is a convenience for building a Patch.
func Strp(s string) *string {
	return &s
}
