package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Schema creates the tables the repository expects. It is idempotent and is
// applied on startup; production deployments can run it out of band instead.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    creator_id  TEXT NOT NULL,
    visibility  TEXT NOT NULL DEFAULT 'public',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_active TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS participants (
    id         BIGSERIAL PRIMARY KEY,
    room_id    TEXT NOT NULL REFERENCES rooms(id),
    user_id    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    user_name  TEXT NOT NULL,
    user_color TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT 'editor',
    joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    left_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_participants_open
    ON participants (client_id) WHERE left_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_participants_room
    ON participants (room_id);

CREATE TABLE IF NOT EXISTS snapshots (
    id           BIGSERIAL PRIMARY KEY,
    room_id      TEXT NOT NULL REFERENCES rooms(id),
    payload      BYTEA NOT NULL,
    state_vector BYTEA NOT NULL,
    version      BIGINT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (room_id, version)
);
`

// Postgres implements Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and applies the schema.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}

// FindRoom returns the live room or (nil, nil) when absent or soft-deleted.
func (p *Postgres) FindRoom(ctx context.Context, id types.RoomIDType) (*Room, error) {
	query := `
		SELECT id, name, creator_id, visibility, created_at, last_active
		FROM rooms
		WHERE id = $1 AND deleted_at IS NULL`

	var room Room
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Name, &room.CreatorID, &room.Visibility,
		&room.CreatedAt, &room.LastActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return &room, nil
}

// CreateRoom inserts a new room. A primary-key collision maps to
// ErrAlreadyExists, including collisions with soft-deleted rooms.
func (p *Postgres) CreateRoom(ctx context.Context, id types.RoomIDType, name string, creatorID types.UserIDType, visibility types.VisibilityType) (*Room, error) {
	query := `
		INSERT INTO rooms (id, name, creator_id, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, creator_id, visibility, created_at, last_active`

	var room Room
	err := p.pool.QueryRow(ctx, query, id, name, creatorID, visibility).Scan(
		&room.ID, &room.Name, &room.CreatorID, &room.Visibility,
		&room.CreatedAt, &room.LastActive,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("room %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &room, nil
}

// UpdateRoom applies a partial update. Nil fields keep their current value.
func (p *Postgres) UpdateRoom(ctx context.Context, id types.RoomIDType, name *string, visibility *types.VisibilityType) (*Room, error) {
	setClauses := []string{}
	args := []interface{}{id}
	argNum := 2

	if name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argNum))
		args = append(args, *name)
		argNum++
	}
	if visibility != nil {
		setClauses = append(setClauses, fmt.Sprintf("visibility = $%d", argNum))
		args = append(args, *visibility)
		argNum++
	}
	if len(setClauses) == 0 {
		room, err := p.FindRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
		}
		return room, nil
	}

	query := "UPDATE rooms SET "
	for i, clause := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += ` WHERE id = $1 AND deleted_at IS NULL
		RETURNING id, name, creator_id, visibility, created_at, last_active`

	var room Room
	err := p.pool.QueryRow(ctx, query, args...).Scan(
		&room.ID, &room.Name, &room.CreatorID, &room.Visibility,
		&room.CreatedAt, &room.LastActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}
	return &room, nil
}

// DeleteRoom soft-deletes the room. Snapshots stay on disk but stop being
// visible through NewestSnapshot and ListSnapshots.
func (p *Postgres) DeleteRoom(ctx context.Context, id types.RoomIDType, now time.Time) error {
	query := `UPDATE rooms SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	tag, err := p.pool.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchRoom advances last_active. Touching an unknown or deleted room is a
// no-op so activity racing a delete never fails the caller.
func (p *Postgres) TouchRoom(ctx context.Context, id types.RoomIDType, now time.Time) error {
	query := `
		UPDATE rooms SET last_active = GREATEST(last_active, $2)
		WHERE id = $1 AND deleted_at IS NULL`

	if _, err := p.pool.Exec(ctx, query, id, now); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// ListPublicRooms returns live public rooms, most recently active first.
func (p *Postgres) ListPublicRooms(ctx context.Context, limit int) ([]*Room, error) {
	query := `
		SELECT id, name, creator_id, visibility, created_at, last_active
		FROM rooms
		WHERE visibility = 'public' AND deleted_at IS NULL
		ORDER BY last_active DESC
		LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list public rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(
			&room.ID, &room.Name, &room.CreatorID, &room.Visibility,
			&room.CreatedAt, &room.LastActive,
		); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// RecordJoin appends an attendance row and returns its id.
func (p *Postgres) RecordJoin(ctx context.Context, roomID types.RoomIDType, user types.UserInfo, clientID types.ClientIDType, role types.RoleType) (int64, error) {
	query := `
		INSERT INTO participants (room_id, user_id, client_id, user_name, user_color, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := p.pool.QueryRow(ctx, query, roomID, user.ID, clientID, user.Name, user.Color, role).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record join: %w", err)
	}
	return id, nil
}

// RecordLeave closes the open attendance row for the client. Closing an
// already-closed or unknown row is a no-op.
func (p *Postgres) RecordLeave(ctx context.Context, clientID types.ClientIDType, now time.Time) error {
	query := `UPDATE participants SET left_at = $2 WHERE client_id = $1 AND left_at IS NULL`

	if _, err := p.pool.Exec(ctx, query, clientID, now); err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	return nil
}

// CloseOpenParticipants closes every open attendance row. Run on startup to
// repair rows orphaned by an unclean shutdown, and on shutdown for rows whose
// sessions are being torn down in bulk.
func (p *Postgres) CloseOpenParticipants(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE participants SET left_at = $1 WHERE left_at IS NULL`

	tag, err := p.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("close open participants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NewestSnapshot returns the highest-version snapshot of a live room, or
// (nil, nil) when the room has none or has been soft-deleted.
func (p *Postgres) NewestSnapshot(ctx context.Context, roomID types.RoomIDType) (*Snapshot, error) {
	query := `
		SELECT s.id, s.room_id, s.payload, s.state_vector, s.version, s.created_at
		FROM snapshots s
		JOIN rooms r ON r.id = s.room_id AND r.deleted_at IS NULL
		WHERE s.room_id = $1
		ORDER BY s.version DESC
		LIMIT 1`

	var snap Snapshot
	err := p.pool.QueryRow(ctx, query, roomID).Scan(
		&snap.ID, &snap.RoomID, &snap.Payload, &snap.StateVector,
		&snap.Version, &snap.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("newest snapshot: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot appends a snapshot at MAX(version)+1 and returns the version.
// Concurrent writers can collide on the unique (room_id, version) constraint;
// that surfaces as ErrConflict and callers retry.
func (p *Postgres) WriteSnapshot(ctx context.Context, roomID types.RoomIDType, payload, stateVector []byte) (int64, error) {
	query := `
		INSERT INTO snapshots (room_id, payload, state_vector, version)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1
		FROM snapshots
		WHERE room_id = $1
		RETURNING version`

	var version int64
	err := p.pool.QueryRow(ctx, query, roomID, payload, stateVector).Scan(&version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("snapshot version race for room %s: %w", roomID, ErrConflict)
		}
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return version, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a room.
func (p *Postgres) PruneSnapshots(ctx context.Context, roomID types.RoomIDType, keep int) error {
	if keep < 1 {
		keep = 1
	}
	query := `
		DELETE FROM snapshots
		WHERE room_id = $1 AND version NOT IN (
			SELECT version FROM snapshots
			WHERE room_id = $1
			ORDER BY version DESC
			LIMIT $2
		)`

	if _, err := p.pool.Exec(ctx, query, roomID, keep); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshot descriptors, newest first.
func (p *Postgres) ListSnapshots(ctx context.Context, roomID types.RoomIDType, limit int) ([]SnapshotMeta, error) {
	query := `
		SELECT s.version, octet_length(s.payload), s.created_at
		FROM snapshots s
		JOIN rooms r ON r.id = s.room_id AND r.deleted_at IS NULL
		WHERE s.room_id = $1
		ORDER BY s.version DESC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var metas []SnapshotMeta
	for rows.Next() {
		var meta SnapshotMeta
		if err := rows.Scan(&meta.Version, &meta.PayloadSize, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot meta: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Ping verifies connectivity for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
