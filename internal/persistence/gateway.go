// Package persistence stores room snapshots and participant rosters.
//
// The live session never waits on a Gateway: writes go through a Dispatcher
// that runs them on background workers, and snapshot loads report back on a
// channel the hub drains. Durability is best-effort.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by LoadLatestSnapshot when a room has no snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a persisted document revision.
type Snapshot struct {
	Room     string
	Text     string
	Version  int64
	UserID   string
	UserName string
	SavedAt  time.Time
}

// Gateway is a durable store for snapshots and participants.
type Gateway interface {
	LoadLatestSnapshot(ctx context.Context, room string) (Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	UpsertParticipant(ctx context.Context, room, userID, userName string) error
	RemoveParticipant(ctx context.Context, room, userID string) error
	Close() error
}
