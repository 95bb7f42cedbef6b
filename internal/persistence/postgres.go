package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/collabcode/internal/config"
)

// BuildConnString returns a postgres:// URL for cfg with the password
// escaped.
func BuildConnString(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Connect opens and pings a pgx pool sized from cfg.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Postgres is a Gateway backed by the room_snapshots and room_participants
// tables. Every save appends a row, so earlier revisions stay queryable.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. The Gateway owns the pool from here on.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const (
	selectLatestSnapshot = `
SELECT content, version, user_id, user_name, created_at
FROM room_snapshots
WHERE room_code = $1
ORDER BY version DESC, id DESC
LIMIT 1`

	insertSnapshot = `
INSERT INTO room_snapshots (room_code, content, version, user_id, user_name)
VALUES ($1, $2, $3, $4, $5)`

	upsertParticipant = `
INSERT INTO room_participants (room_code, user_id, user_name)
VALUES ($1, $2, $3)
ON CONFLICT (room_code, user_id)
DO UPDATE SET user_name = EXCLUDED.user_name, last_seen = NOW()`

	deleteParticipant = `
DELETE FROM room_participants
WHERE room_code = $1 AND user_id = $2`
)

// LoadLatestSnapshot implements Gateway.
func (p *Postgres) LoadLatestSnapshot(ctx context.Context, room string) (Snapshot, error) {
	snap := Snapshot{Room: room}
	err := p.pool.QueryRow(ctx, selectLatestSnapshot, room).
		Scan(&snap.Text, &snap.Version, &snap.UserID, &snap.UserName, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot implements Gateway.
func (p *Postgres) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := p.pool.Exec(ctx, insertSnapshot, snap.Room, snap.Text, snap.Version, snap.UserID, snap.UserName)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// UpsertParticipant implements Gateway.
func (p *Postgres) UpsertParticipant(ctx context.Context, room, userID, userName string) error {
	if _, err := p.pool.Exec(ctx, upsertParticipant, room, userID, userName); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// RemoveParticipant implements Gateway.
func (p *Postgres) RemoveParticipant(ctx context.Context, room, userID string) error {
	if _, err := p.pool.Exec(ctx, deleteParticipant, room, userID); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
