package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	snapshotKeyPrefix    = "collab:snapshot:"
	participantKeyPrefix = "collab:participants:"
)

// saveIfNewer writes the snapshot hash unless the stored version is higher.
// KEYS[1] snapshot key. ARGV: content, version, user_id, user_name,
// saved_at (unix ms), ttl (ms, 0 keeps forever).
var saveIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'version', ARGV[2],
  'user_id', ARGV[3], 'user_name', ARGV[4], 'saved_at', ARGV[5])
if tonumber(ARGV[6]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return 1
`)

// Redis is a Gateway that keeps the latest snapshot of each room in a hash
// and each roster in a second hash.
//
// With a next Gateway it acts as a read-through, write-through cache: writes
// reach next first, loads fall back to next on a miss and repopulate the
// cache. Cache failures are logged and never fail an operation that next
// completed.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	next   Gateway
	logger *slog.Logger
	loads  singleflight.Group
}

// NewRedis returns a Redis gateway. next may be nil.
func NewRedis(client *redis.Client, ttl time.Duration, next Gateway, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, next: next, logger: logger}
}

func snapshotKey(room string) string    { return snapshotKeyPrefix + room }
func participantKey(room string) string { return participantKeyPrefix + room }

// LoadLatestSnapshot implements Gateway.
func (r *Redis) LoadLatestSnapshot(ctx context.Context, room string) (Snapshot, error) {
	snap, err := r.readSnapshot(ctx, room)
	if err == nil || r.next == nil {
		return snap, err
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("snapshot cache read failed", "room", room, "error", err)
	}

	v, err, _ := r.loads.Do(room, func() (any, error) {
		snap, err := r.next.LoadLatestSnapshot(ctx, room)
		if err != nil {
			return Snapshot{}, err
		}
		if cerr := r.writeSnapshot(ctx, snap); cerr != nil {
			r.logger.Warn("snapshot cache fill failed", "room", room, "error", cerr)
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// SaveSnapshot implements Gateway.
func (r *Redis) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if r.next == nil {
		return r.writeSnapshot(ctx, snap)
	}

	if err := r.next.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := r.writeSnapshot(ctx, snap); err != nil {
		r.logger.Warn("snapshot cache write failed", "room", snap.Room, "version", snap.Version, "error", err)
	}
	return nil
}

// UpsertParticipant implements Gateway.
func (r *Redis) UpsertParticipant(ctx context.Context, room, userID, userName string) error {
	if r.next != nil {
		if err := r.next.UpsertParticipant(ctx, room, userID, userName); err != nil {
			return err
		}
	}
	err := r.client.HSet(ctx, participantKey(room), userID, userName).Err()
	if err != nil {
		err = fmt.Errorf("redis hset participant: %w", err)
		if r.next != nil {
			r.logger.Warn("participant cache write failed", "room", room, "user_id", userID, "error", err)
			return nil
		}
	}
	return err
}

// RemoveParticipant implements Gateway.
func (r *Redis) RemoveParticipant(ctx context.Context, room, userID string) error {
	if r.next != nil {
		if err := r.next.RemoveParticipant(ctx, room, userID); err != nil {
			return err
		}
	}
	err := r.client.HDel(ctx, participantKey(room), userID).Err()
	if err != nil {
		err = fmt.Errorf("redis hdel participant: %w", err)
		if r.next != nil {
			r.logger.Warn("participant cache delete failed", "room", room, "user_id", userID, "error", err)
			return nil
		}
	}
	return err
}

// participants returns the cached roster of room keyed by user id.
func (r *Redis) participants(ctx context.Context, room string) (map[string]string, error) {
	roster, err := r.client.HGetAll(ctx, participantKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall participants: %w", err)
	}
	return roster, nil
}

// Close closes the client and then next.
func (r *Redis) Close() error {
	err := r.client.Close()
	if r.next != nil {
		err = errors.Join(err, r.next.Close())
	}
	return err
}

func (r *Redis) readSnapshot(ctx context.Context, room string) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, snapshotKey(room)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis hgetall snapshot: %w", err)
	}
	if len(fields) == 0 {
		return Snapshot{}, ErrNotFound
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse cached version %q: %w", fields["version"], err)
	}
	snap := Snapshot{
		Room:     room,
		Text:     fields["content"],
		Version:  version,
		UserID:   fields["user_id"],
		UserName: fields["user_name"],
	}
	if ms, err := strconv.ParseInt(fields["saved_at"], 10, 64); err == nil {
		snap.SavedAt = time.UnixMilli(ms)
	}
	return snap, nil
}

func (r *Redis) writeSnapshot(ctx context.Context, snap Snapshot) error {
	err := saveIfNewer.Run(ctx, r.client,
		[]string{snapshotKey(snap.Room)},
		snap.Text,
		snap.Version,
		snap.UserID,
		snap.UserName,
		snap.SavedAt.UnixMilli(),
		r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}
