package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

func TestOpenSelectsBackend(t *testing.T) {
	repo, err := Open(context.Background(), "memory://")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, repo)

	_, err = Open(context.Background(), "mysql://localhost/whiteboard")
	assert.Error(t, err)
}

func TestMemoryRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	room, err := m.CreateRoom(ctx, "room-1", "Design Sync", "user-1", types.VisibilityPublic)
	require.NoError(t, err)
	assert.Equal(t, types.RoomIDType("room-1"), room.ID)
	assert.Equal(t, "Design Sync", room.Name)
	assert.Equal(t, room.CreatedAt, room.LastActive)

	_, err = m.CreateRoom(ctx, "room-1", "Other", "user-2", types.VisibilityPrivate)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	found, err := m.FindRoom(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Design Sync", found.Name)

	name := "Renamed"
	updated, err := m.UpdateRoom(ctx, "room-1", &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, types.VisibilityPublic, updated.Visibility)

	require.NoError(t, m.DeleteRoom(ctx, "room-1", time.Now()))

	found, err = m.FindRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	err = m.DeleteRoom(ctx, "room-1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	// The id stays retired after a soft delete.
	_, err = m.CreateRoom(ctx, "room-1", "Reborn", "user-3", types.VisibilityPublic)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryFindUnknownRoomReturnsNil(t *testing.T) {
	m := NewMemory()

	room, err := m.FindRoom(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestMemoryUpdateUnknownRoom(t *testing.T) {
	m := NewMemory()

	name := "x"
	_, err := m.UpdateRoom(context.Background(), "nope", &name, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTouchRoom(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	room, err := m.CreateRoom(ctx, "room-1", "Sync", "user-1", types.VisibilityPublic)
	require.NoError(t, err)

	later := room.LastActive.Add(time.Minute)
	require.NoError(t, m.TouchRoom(ctx, "room-1", later))

	found, err := m.FindRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, later, found.LastActive)

	// A stale timestamp never rolls last_active back.
	require.NoError(t, m.TouchRoom(ctx, "room-1", later.Add(-time.Hour)))
	found, err = m.FindRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, later, found.LastActive)

	// Touching an unknown room is a silent no-op.
	assert.NoError(t, m.TouchRoom(ctx, "nope", time.Now()))
}

func TestMemoryListPublicRooms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateRoom(ctx, "pub-1", "One", "u", types.VisibilityPublic)
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "priv-1", "Hidden", "u", types.VisibilityPrivate)
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "pub-2", "Two", "u", types.VisibilityPublic)
	require.NoError(t, err)

	require.NoError(t, m.TouchRoom(ctx, "pub-1", time.Now().Add(time.Hour)))

	rooms, err := m.ListPublicRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, types.RoomIDType("pub-1"), rooms[0].ID)
	assert.Equal(t, types.RoomIDType("pub-2"), rooms[1].ID)

	rooms, err = m.ListPublicRooms(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, types.RoomIDType("pub-1"), rooms[0].ID)
}

func TestMemorySnapshotVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateRoom(ctx, "room-1", "Sync", "u", types.VisibilityPublic)
	require.NoError(t, err)

	snap, err := m.NewestSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	for i := 1; i <= 3; i++ {
		version, err := m.WriteSnapshot(ctx, "room-1", []byte{byte(i)}, []byte("sv"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), version)
	}

	snap, err = m.NewestSnapshot(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, []byte{3}, snap.Payload)

	require.NoError(t, m.PruneSnapshots(ctx, "room-1", 2))

	metas, err := m.ListSnapshots(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, int64(3), metas[0].Version)
	assert.Equal(t, int64(2), metas[1].Version)
	assert.Equal(t, int64(1), metas[0].PayloadSize)

	// Versions keep counting past a prune.
	version, err := m.WriteSnapshot(ctx, "room-1", []byte{4}, []byte("sv"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
}

func TestMemorySnapshotsHiddenAfterDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateRoom(ctx, "room-1", "Sync", "u", types.VisibilityPublic)
	require.NoError(t, err)
	_, err = m.WriteSnapshot(ctx, "room-1", []byte{1}, []byte("sv"))
	require.NoError(t, err)

	require.NoError(t, m.DeleteRoom(ctx, "room-1", time.Now()))

	snap, err := m.NewestSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	metas, err := m.ListSnapshots(ctx, "room-1", 10)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestMemoryParticipants(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	user := types.UserInfo{ID: "user-1", Name: "Ada", Color: "#ff0000"}

	id1, err := m.RecordJoin(ctx, "room-1", user, "client-1", types.RoleTypeEditor)
	require.NoError(t, err)
	id2, err := m.RecordJoin(ctx, "room-1", user, "client-2", types.RoleTypeEditor)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	leftAt := time.Now()
	require.NoError(t, m.RecordLeave(ctx, "client-1", leftAt))

	// A second leave must not move the recorded timestamp.
	require.NoError(t, m.RecordLeave(ctx, "client-1", leftAt.Add(time.Hour)))

	closed, err := m.CloseOpenParticipants(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	closed, err = m.CloseOpenParticipants(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), closed)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"already exists", ErrAlreadyExists, false},
		{"wrapped not found", errors.Join(errors.New("ctx"), ErrNotFound), false},
		{"conflict", ErrConflict, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return ErrAlreadyExists
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, maxRetryAttempts, calls)
}
