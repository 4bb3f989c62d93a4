// Package registry tracks live sessions and their room membership. It is the
// fan-out point for room broadcasts: a frame is enqueued onto each member's
// bounded outbound queue without ever blocking on a slow socket.
package registry

import (
	"errors"
	"sync"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// ErrAlreadyAttached reports an attach for a session that is already indexed
// under a room.
var ErrAlreadyAttached = errors.New("session already attached to a room")

type member struct {
	session types.ClientInterface
	roomID  types.RoomIDType
}

// Registry is the process-wide connection index. It keeps a primary map by
// client id and a secondary index by room, updated together under one lock.
// Reads dominate writes here: broadcasts and stats iterate while attach and
// detach only bound session churn.
type Registry struct {
	mu      sync.RWMutex
	clients map[types.ClientIDType]member
	rooms   map[types.RoomIDType]map[types.ClientIDType]types.ClientInterface
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[types.ClientIDType]member),
		rooms:   make(map[types.RoomIDType]map[types.ClientIDType]types.ClientInterface),
	}
}

// Attach indexes a session under a room. A session can be attached to at
// most one room for its whole life.
func (r *Registry) Attach(s types.ClientInterface, roomID types.RoomIDType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.GetID()
	if _, ok := r.clients[id]; ok {
		return ErrAlreadyAttached
	}
	r.clients[id] = member{session: s, roomID: roomID}

	bucket, ok := r.rooms[roomID]
	if !ok {
		bucket = make(map[types.ClientIDType]types.ClientInterface)
		r.rooms[roomID] = bucket
	}
	bucket[id] = s
	return nil
}

// Detach removes a session from both indexes and reports which room it was
// in. Detaching an unknown client is a no-op.
func (r *Registry) Detach(clientID types.ClientIDType) (types.RoomIDType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[clientID]
	if !ok {
		return "", false
	}
	delete(r.clients, clientID)

	if bucket, ok := r.rooms[m.roomID]; ok {
		delete(bucket, clientID)
		if len(bucket) == 0 {
			delete(r.rooms, m.roomID)
		}
	}
	return m.roomID, true
}

// Broadcast enqueues an encoded frame to every member of a room, skipping
// except when non-empty. A member whose queue is full or closed is scheduled
// for teardown; the broadcast itself never blocks. Returns the number of
// members the frame was enqueued to.
func (r *Registry) Broadcast(roomID types.RoomIDType, frame []byte, except types.ClientIDType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, s := range r.rooms[roomID] {
		if except != "" && id == except {
			continue
		}
		if s.TrySend(frame) {
			delivered++
			continue
		}
		metrics.BroadcastDrops.Inc()
		// CloseWithReason must not call back into the registry; teardown
		// runs on the session's own goroutine.
		s.CloseWithReason(types.CloseReasonOverflow)
	}
	return delivered
}

// Members returns a point-in-time snapshot of a room's sessions.
func (r *Registry) Members(roomID types.RoomIDType) []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.rooms[roomID]
	members := make([]types.ClientInterface, 0, len(bucket))
	for _, s := range bucket {
		members = append(members, s)
	}
	return members
}

// CountRoom returns the number of sessions attached to a room.
func (r *Registry) CountRoom(roomID types.RoomIDType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Len returns the total number of attached sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Rooms returns the ids of rooms with at least one attached session.
func (r *Registry) Rooms() []types.RoomIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.RoomIDType, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll schedules teardown of every attached session. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]types.ClientInterface, 0, len(r.clients))
	for _, m := range r.clients {
		sessions = append(sessions, m.session)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.CloseWithReason(reason)
	}
}
