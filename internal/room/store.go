// Package room owns room-scoped collaborative state: member sets, the shared
// document text and its version counter.
//
// Rooms are created lazily on first reference and are never deleted while the
// process runs. A room whose member set drops to zero keeps its document and
// version; it only disappears from the active view.
//
// Store is not safe for concurrent use. All access happens on the hub's event
// loop. Calling Join, Leave, ApplyEdit, Snapshot, Members, Restore or MarkReady
// with a room code that was never passed to Ensure is a programming error and
// panics.
package room

import (
	"fmt"
	"sort"
	"time"
)

// InitialVersion is the version of a freshly created room.
const InitialVersion int64 = 1

// Room is a named collaborative session.
type Room struct {
	code      string
	members   map[string]struct{}
	document  string
	version   int64
	loading   bool
	createdAt time.Time
	updatedAt time.Time
}

// Info is a read-only summary of a room.
type Info struct {
	Code      string
	Members   int
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store holds every room created since startup.
type Store struct {
	rooms    map[string]*Room
	template string
	now      func() time.Time
}

// NewStore returns an empty Store. New rooms start with template as their
// document text.
func NewStore(template string) *Store {
	return &Store{
		rooms:    make(map[string]*Room),
		template: template,
		now:      time.Now,
	}
}

// Ensure returns true when the room did not exist and was just created with
// version 1 and the template document. A created room is marked loading until
// MarkReady is called.
func (s *Store) Ensure(code string) bool {
	if _, ok := s.rooms[code]; ok {
		return false
	}
	now := s.now()
	s.rooms[code] = &Room{
		code:      code,
		members:   make(map[string]struct{}),
		document:  s.template,
		version:   InitialVersion,
		loading:   true,
		createdAt: now,
		updatedAt: now,
	}
	return true
}

// Exists reports whether code has been created.
func (s *Store) Exists(code string) bool {
	_, ok := s.rooms[code]
	return ok
}

// Loading reports whether the room is still waiting for its persisted
// snapshot. Unknown rooms are not loading.
func (s *Store) Loading(code string) bool {
	r, ok := s.rooms[code]
	return ok && r.loading
}

// Restore overwrites the document and version with a persisted snapshot.
// It only applies while the room is loading and never moves the version
// backwards.
func (s *Store) Restore(code, text string, version int64) bool {
	r := s.mustGet(code)
	if !r.loading || version < r.version {
		return false
	}
	r.document = text
	r.version = version
	r.updatedAt = s.now()
	return true
}

// MarkReady ends the loading phase.
func (s *Store) MarkReady(code string) {
	s.mustGet(code).loading = false
}

// Join adds connID to the room. Joining twice is a no-op.
func (s *Store) Join(code, connID string) {
	s.mustGet(code).members[connID] = struct{}{}
}

// Leave removes connID from the room. The room itself is kept.
func (s *Store) Leave(code, connID string) {
	delete(s.mustGet(code).members, connID)
}

// ApplyEdit replaces the document with text and returns the new version.
// The newest write wins; there is no merge.
func (s *Store) ApplyEdit(code, text string) int64 {
	r := s.mustGet(code)
	r.document = text
	r.version++
	r.updatedAt = s.now()
	return r.version
}

// Snapshot returns the current document text and version.
func (s *Store) Snapshot(code string) (string, int64) {
	r := s.mustGet(code)
	return r.document, r.version
}

// Members returns the room's connection ids in sorted order, leaving out
// exclude when it is non-empty.
func (s *Store) Members(code, exclude string) []string {
	r := s.mustGet(code)
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		if id == exclude {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MemberCount returns the number of connections in the room, or zero for an
// unknown room.
func (s *Store) MemberCount(code string) int {
	r, ok := s.rooms[code]
	if !ok {
		return 0
	}
	return len(r.members)
}

// Info returns a summary of the room.
func (s *Store) Info(code string) (Info, bool) {
	r, ok := s.rooms[code]
	if !ok {
		return Info{}, false
	}
	return Info{
		Code:      r.code,
		Members:   len(r.members),
		Version:   r.version,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}, true
}

// Active returns the codes of rooms with at least one member, sorted.
func (s *Store) Active() []string {
	var codes []string
	for code, r := range s.rooms {
		if len(r.members) > 0 {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// ActiveCount returns the number of rooms with at least one member.
func (s *Store) ActiveCount() int {
	n := 0
	for _, r := range s.rooms {
		if len(r.members) > 0 {
			n++
		}
	}
	return n
}

// Count returns the number of rooms ever created, including empty ones.
func (s *Store) Count() int {
	return len(s.rooms)
}

func (s *Store) mustGet(code string) *Room {
	r, ok := s.rooms[code]
	if !ok {
		panic(fmt.Sprintf("room: unknown room %q", code))
	}
	return r
}
