// Package store provides durable persistence for rooms, participants and
// snapshots. Two backends implement the same Repository contract: a Postgres
// implementation backed by pgx, and an in-memory implementation used for
// development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Sentinel errors surfaced by repository operations.
var (
	// ErrAlreadyExists reports a primary-key collision on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound reports a strict lookup that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a transient write conflict worth retrying.
	ErrConflict = errors.New("write conflict")
)

// Room is the persistent record of a whiteboard room.
type Room struct {
	ID         types.RoomIDType     `json:"id"`
	Name       string               `json:"name"`
	CreatorID  types.UserIDType     `json:"creatorId"`
	Visibility types.VisibilityType `json:"visibility"`
	CreatedAt  time.Time            `json:"createdAt"`
	LastActive time.Time            `json:"lastActive"`
}

// Participant is one attendance row, append-only per session. LeftAt is nil
// while the session is live.
type Participant struct {
	ID        int64
	RoomID    types.RoomIDType
	UserID    types.UserIDType
	ClientID  types.ClientIDType
	UserName  string
	UserColor string
	Role      types.RoleType
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// Snapshot is a serialized document at a versioned moment.
type Snapshot struct {
	ID          int64
	RoomID      types.RoomIDType
	Payload     []byte
	StateVector []byte
	Version     int64
	CreatedAt   time.Time
}

// SnapshotMeta describes a snapshot without carrying its payload.
type SnapshotMeta struct {
	Version     int64     `json:"version"`
	PayloadSize int64     `json:"payloadSize"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Repository is the persistence contract the hub consumes. Every call is
// independently transactional; callers never hold a transaction across calls.
// Lookup methods return (nil, nil) when the row does not exist.
type Repository interface {
	FindRoom(ctx context.Context, id types.RoomIDType) (*Room, error)
	CreateRoom(ctx context.Context, id types.RoomIDType, name string, creatorID types.UserIDType, visibility types.VisibilityType) (*Room, error)
	UpdateRoom(ctx context.Context, id types.RoomIDType, name *string, visibility *types.VisibilityType) (*Room, error)
	DeleteRoom(ctx context.Context, id types.RoomIDType, now time.Time) error
	TouchRoom(ctx context.Context, id types.RoomIDType, now time.Time) error
	ListPublicRooms(ctx context.Context, limit int) ([]*Room, error)

	RecordJoin(ctx context.Context, roomID types.RoomIDType, user types.UserInfo, clientID types.ClientIDType, role types.RoleType) (int64, error)
	RecordLeave(ctx context.Context, clientID types.ClientIDType, now time.Time) error
	CloseOpenParticipants(ctx context.Context, now time.Time) (int64, error)

	NewestSnapshot(ctx context.Context, roomID types.RoomIDType) (*Snapshot, error)
	WriteSnapshot(ctx context.Context, roomID types.RoomIDType, payload, stateVector []byte) (int64, error)
	PruneSnapshots(ctx context.Context, roomID types.RoomIDType, keep int) error
	ListSnapshots(ctx context.Context, roomID types.RoomIDType, limit int) ([]SnapshotMeta, error)

	Ping(ctx context.Context) error
	Close()
}

// Open builds the repository selected by the connection URL.
func Open(ctx context.Context, storeURL string) (Repository, error) {
	switch {
	case storeURL == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgres(ctx, storeURL)
	default:
		return nil, fmt.Errorf("unsupported store url %q", storeURL)
	}
}

// IsRetryable classifies a persistence error as transient. Connection
// failures, deadlocks, serialization failures and version conflicts are worth
// retrying; constraint violations and missing rows are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 40001/40P01: serialization
		// failure and deadlock.
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

const maxRetryAttempts = 5

// Retry runs op with capped exponential backoff, giving up after five
// attempts or the first non-retryable error.
func Retry(ctx context.Context, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := op(); err != nil {
			if !IsRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			if attempt < maxRetryAttempts {
				metrics.StoreRetries.Inc()
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(newExpBackOff()), backoff.WithMaxTries(maxRetryAttempts))
	return err
}

func newExpBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
