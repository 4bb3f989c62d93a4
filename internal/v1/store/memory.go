package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Memory implements Repository with process-local state. It mirrors the
// Postgres semantics, soft deletes included, and is the default backend when
// STORE_URL is memory://.
type Memory struct {
	mu                sync.RWMutex
	rooms             map[types.RoomIDType]*Room
	deleted           map[types.RoomIDType]time.Time
	participants      []*Participant
	snapshots         map[types.RoomIDType][]*Snapshot
	nextParticipantID int64
	nextSnapshotID    int64
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		rooms:     make(map[types.RoomIDType]*Room),
		deleted:   make(map[types.RoomIDType]time.Time),
		snapshots: make(map[types.RoomIDType][]*Snapshot),
	}
}

func cloneRoom(r *Room) *Room {
	c := *r
	return &c
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.Payload = append([]byte(nil), s.Payload...)
	c.StateVector = append([]byte(nil), s.StateVector...)
	return &c
}

func (m *Memory) FindRoom(_ context.Context, id types.RoomIDType) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil, nil
	}
	return cloneRoom(room), nil
}

func (m *Memory) CreateRoom(_ context.Context, id types.RoomIDType, name string, creatorID types.UserIDType, visibility types.VisibilityType) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.rooms[id]; live {
		return nil, fmt.Errorf("room %s: %w", id, ErrAlreadyExists)
	}
	if _, gone := m.deleted[id]; gone {
		return nil, fmt.Errorf("room %s: %w", id, ErrAlreadyExists)
	}

	now := time.Now()
	room := &Room{
		ID:         id,
		Name:       name,
		CreatorID:  creatorID,
		Visibility: visibility,
		CreatedAt:  now,
		LastActive: now,
	}
	m.rooms[id] = room
	return cloneRoom(room), nil
}

func (m *Memory) UpdateRoom(_ context.Context, id types.RoomIDType, name *string, visibility *types.VisibilityType) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if name != nil {
		room.Name = *name
	}
	if visibility != nil {
		room.Visibility = *visibility
	}
	return cloneRoom(room), nil
}

func (m *Memory) DeleteRoom(_ context.Context, id types.RoomIDType, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; !ok {
		return fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	delete(m.rooms, id)
	m.deleted[id] = now
	return nil
}

func (m *Memory) TouchRoom(_ context.Context, id types.RoomIDType, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil
	}
	if now.After(room.LastActive) {
		room.LastActive = now
	}
	return nil
}

func (m *Memory) ListPublicRooms(_ context.Context, limit int) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []*Room
	for _, room := range m.rooms {
		if room.Visibility == types.VisibilityPublic {
			rooms = append(rooms, cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].LastActive.After(rooms[j].LastActive)
	})
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (m *Memory) RecordJoin(_ context.Context, roomID types.RoomIDType, user types.UserInfo, clientID types.ClientIDType, role types.RoleType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextParticipantID++
	m.participants = append(m.participants, &Participant{
		ID:        m.nextParticipantID,
		RoomID:    roomID,
		UserID:    user.ID,
		ClientID:  clientID,
		UserName:  user.Name,
		UserColor: user.Color,
		Role:      role,
		JoinedAt:  time.Now(),
	})
	return m.nextParticipantID, nil
}

func (m *Memory) RecordLeave(_ context.Context, clientID types.ClientIDType, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants {
		if p.ClientID == clientID && p.LeftAt == nil {
			t := now
			p.LeftAt = &t
		}
	}
	return nil
}

func (m *Memory) CloseOpenParticipants(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed int64
	for _, p := range m.participants {
		if p.LeftAt == nil {
			t := now
			p.LeftAt = &t
			closed++
		}
	}
	return closed, nil
}

func (m *Memory) NewestSnapshot(_ context.Context, roomID types.RoomIDType) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, live := m.rooms[roomID]; !live {
		return nil, nil
	}
	snaps := m.snapshots[roomID]
	if len(snaps) == 0 {
		return nil, nil
	}
	return cloneSnapshot(snaps[len(snaps)-1]), nil
}

func (m *Memory) WriteSnapshot(_ context.Context, roomID types.RoomIDType, payload, stateVector []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[roomID]
	var version int64 = 1
	if len(snaps) > 0 {
		version = snaps[len(snaps)-1].Version + 1
	}
	m.nextSnapshotID++
	m.snapshots[roomID] = append(snaps, &Snapshot{
		ID:          m.nextSnapshotID,
		RoomID:      roomID,
		Payload:     append([]byte(nil), payload...),
		StateVector: append([]byte(nil), stateVector...),
		Version:     version,
		CreatedAt:   time.Now(),
	})
	return version, nil
}

func (m *Memory) PruneSnapshots(_ context.Context, roomID types.RoomIDType, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep < 1 {
		keep = 1
	}
	snaps := m.snapshots[roomID]
	if len(snaps) > keep {
		m.snapshots[roomID] = append([]*Snapshot(nil), snaps[len(snaps)-keep:]...)
	}
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, roomID types.RoomIDType, limit int) ([]SnapshotMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, live := m.rooms[roomID]; !live {
		return nil, nil
	}
	snaps := m.snapshots[roomID]
	var metas []SnapshotMeta
	for i := len(snaps) - 1; i >= 0; i-- {
		if limit > 0 && len(metas) >= limit {
			break
		}
		metas = append(metas, SnapshotMeta{
			Version:     snaps[i].Version,
			PayloadSize: int64(len(snaps[i].Payload)),
			CreatedAt:   snaps[i].CreatedAt,
		})
	}
	return metas, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() {}
