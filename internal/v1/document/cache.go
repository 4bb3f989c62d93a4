package document

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/config"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/registry"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Submit errors surfaced to the transport.
var (
	// ErrFlooded reports an apply queue at its hard cap; the offending
	// session is disconnected.
	ErrFlooded = errors.New("apply queue full")
	// ErrNotCached reports a submit for a room with no live document.
	ErrNotCached = errors.New("document not cached")
)

const controlQueueSize = 64

const publishQueueSize = 256

// Cache maps room ids to live documents. It owns every document exclusively:
// all reads and writes go through the room's owner goroutine, and the
// load-on-first-admission / save-on-interval / destroy-after-grace lifecycle
// is managed here.
type Cache struct {
	repo store.Repository
	reg  *registry.Registry
	bus  types.BusService
	cfg  *config.Config

	mu      sync.Mutex
	entries map[types.RoomIDType]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache builds an empty cache. busSvc may be nil when cross-instance
// relay is not configured.
func NewCache(repo store.Repository, reg *registry.Registry, busSvc types.BusService, cfg *config.Config) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		repo:    repo,
		reg:     reg,
		bus:     busSvc,
		cfg:     cfg,
		entries: make(map[types.RoomIDType]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Admit runs the room-side half of a handshake: load-or-reuse the document,
// enqueue the sync-response, attach the session to the registry and announce
// the join. It blocks until the room's owner has finished, so by the time it
// returns nil the session is attached and peers know about it.
func (c *Cache) Admit(ctx context.Context, roomID types.RoomIDType, s types.ClientInterface) error {
	reply := make(chan error, 1)
	for {
		c.mu.Lock()
		e, ok := c.entries[roomID]
		if !ok {
			e = c.spawnEntryLocked(roomID)
		}
		// Enqueue under the lock: retirement checks the control queue
		// under the same lock, so a pending admission is never missed.
		select {
		case e.control <- ctrlAdmit{session: s, reply: reply}:
			c.mu.Unlock()
			select {
			case err := <-reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}
}

// Depart announces a session's departure to its room. Call exactly once per
// successful Admit, after detaching the session from the registry. Safe to
// call for rooms that were already discarded.
func (c *Cache) Depart(roomID types.RoomIDType, clientID types.ClientIDType, user types.UserInfo) {
	c.mu.Lock()
	e := c.entries[roomID]
	c.mu.Unlock()
	if e == nil {
		return
	}
	// The departing session still counts toward the population, so the
	// entry cannot retire before this lands.
	e.control <- ctrlDepart{clientID: clientID, user: user}
}

// SubmitUpdate queues an opaque delta for the room owner to apply and fan
// out. ErrFlooded means the apply queue hit its cap and the sender must be
// disconnected; ErrNotCached means the room's document is gone.
func (c *Cache) SubmitUpdate(roomID types.RoomIDType, from types.ClientIDType, delta []byte) error {
	c.mu.Lock()
	e := c.entries[roomID]
	c.mu.Unlock()
	if e == nil {
		return ErrNotCached
	}
	select {
	case e.inbox <- inboxMsg{kind: inboxUpdate, from: from, delta: delta}:
		return nil
	default:
		return ErrFlooded
	}
}

// SubmitPresence queues an encoded presence frame for fan-out. Presence is
// ephemeral; when the room is saturated the frame is dropped.
func (c *Cache) SubmitPresence(roomID types.RoomIDType, from types.ClientIDType, frame []byte) {
	c.submitEphemeral(roomID, inboxMsg{kind: inboxPresence, from: from, frame: frame})
}

// SubmitChat queues an encoded chat frame for fan-out to the whole room,
// sender included.
func (c *Cache) SubmitChat(roomID types.RoomIDType, from types.ClientIDType, frame []byte) {
	c.submitEphemeral(roomID, inboxMsg{kind: inboxChat, from: from, frame: frame})
}

func (c *Cache) submitEphemeral(roomID types.RoomIDType, msg inboxMsg) {
	c.mu.Lock()
	e := c.entries[roomID]
	c.mu.Unlock()
	if e == nil {
		return
	}
	select {
	case e.inbox <- msg:
	default:
		metrics.BroadcastDrops.Inc()
	}
}

// EncodeFull returns the serialized state of a cached room. The encode runs
// on the owner after all previously queued applies, so the result reflects
// everything submitted before the call. Returns ok=false when the room has
// no live document.
func (c *Cache) EncodeFull(ctx context.Context, roomID types.RoomIDType) ([]byte, bool) {
	c.mu.Lock()
	e := c.entries[roomID]
	if e == nil {
		c.mu.Unlock()
		return nil, false
	}
	reply := make(chan []byte, 1)
	select {
	case e.control <- ctrlEncode{reply: reply}:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return nil, false
	}
	select {
	case payload := <-reply:
		return payload, payload != nil
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of live documents.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// spawnEntryLocked creates the entry, starts its owner and, when a bus is
// configured, wires the room's relay subscription. Caller holds c.mu.
func (c *Cache) spawnEntryLocked(roomID types.RoomIDType) *entry {
	e := &entry{
		roomID:  roomID,
		cache:   c,
		inbox:   make(chan inboxMsg, c.cfg.ApplyQueue),
		control: make(chan any, controlQueueSize),
	}
	c.entries[roomID] = e
	metrics.ActiveRooms.Inc()

	if c.bus != nil {
		subCtx, cancel := context.WithCancel(c.ctx)
		e.subCancel = cancel
		c.bus.Subscribe(subCtx, string(roomID), &e.subWG, e.handleEnvelope)
		e.pubCh = make(chan busPublish, publishQueueSize)
		c.wg.Add(1)
		go e.publisher(c.ctx)
	}

	c.wg.Add(1)
	go e.run(c.ctx)
	return e
}

// remove unmaps an entry if nothing is pending for it. Called only by the
// entry's owner goroutine, which is the sole writer of e.population.
func (c *Cache) remove(e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.retired {
		// Shutdown claimed the entry; its flush is already on the way, so
		// the owner must stay in its loop to answer it.
		return false
	}
	if len(e.control) > 0 || len(e.inbox) > 0 || e.population > 0 {
		return false
	}
	e.retired = true
	delete(c.entries, e.roomID)
	metrics.ActiveRooms.Dec()
	return true
}

// writeSnapshot persists one snapshot with retry and prunes old versions.
// Runs off the owner goroutine for periodic saves and on it for final ones.
func (c *Cache) writeSnapshot(ctx context.Context, roomID types.RoomIDType, payload, vector []byte) (int64, error) {
	start := time.Now()
	var version int64
	err := store.Retry(ctx, func() error {
		var err error
		version, err = c.repo.WriteSnapshot(ctx, roomID, payload, vector)
		return err
	})
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return 0, err
	}
	metrics.SnapshotWrites.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())

	if err := c.repo.PruneSnapshots(ctx, roomID, c.cfg.SnapshotKeep); err != nil {
		logging.Warn(ctx, "Failed to prune snapshots",
			zap.String("room_id", string(roomID)),
			zap.Error(err))
	}
	return version, nil
}

// Shutdown flushes every dirty document and stops all owners. The transport
// must have quiesced sessions first; admissions arriving after Shutdown are
// not serviced. Returns the first flush error, if any.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		e.retired = true
		entries = append(entries, e)
	}
	c.entries = make(map[types.RoomIDType]*entry)
	c.mu.Unlock()

	// Hand every owner its flush first so the final saves run in parallel,
	// then collect the results.
	var firstErr error
	replies := make([]chan error, 0, len(entries))
	for _, e := range entries {
		reply := make(chan error, 1)
		select {
		case e.control <- ctrlFlush{stop: true, reply: reply}:
			replies = append(replies, reply)
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
		metrics.ActiveRooms.Dec()
	}
	for _, reply := range replies {
		select {
		case err := <-reply:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}

	c.cancel()
	c.wg.Wait()
	return firstErr
}
