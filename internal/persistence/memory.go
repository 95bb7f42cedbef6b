package persistence

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Gateway. It keeps the highest-version snapshot
// per room and the current roster of each room.
type Memory struct {
	mu           sync.RWMutex
	snapshots    map[string]Snapshot
	participants map[string]map[string]string
	now          func() time.Time
}

// NewMemory returns an empty Memory gateway.
func NewMemory() *Memory {
	return &Memory{
		snapshots:    make(map[string]Snapshot),
		participants: make(map[string]map[string]string),
		now:          time.Now,
	}
}

// LoadLatestSnapshot implements Gateway.
func (m *Memory) LoadLatestSnapshot(ctx context.Context, room string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[room]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// SaveSnapshot implements Gateway. Saves that arrive out of order never
// replace a newer version.
func (m *Memory) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.snapshots[snap.Room]; ok && cur.Version > snap.Version {
		return nil
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = m.now()
	}
	m.snapshots[snap.Room] = snap
	return nil
}

// UpsertParticipant implements Gateway.
func (m *Memory) UpsertParticipant(ctx context.Context, room, userID, userName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	roster, ok := m.participants[room]
	if !ok {
		roster = make(map[string]string)
		m.participants[room] = roster
	}
	roster[userID] = userName
	return nil
}

// RemoveParticipant implements Gateway.
func (m *Memory) RemoveParticipant(ctx context.Context, room, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if roster, ok := m.participants[room]; ok {
		delete(roster, userID)
		if len(roster) == 0 {
			delete(m.participants, room)
		}
	}
	return nil
}

// Participants returns a copy of the room's roster keyed by user id.
func (m *Memory) Participants(room string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.participants[room]))
	for id, name := range m.participants[room] {
		out[id] = name
	}
	return out
}

// Close implements Gateway.
func (m *Memory) Close() error {
	return nil
}
