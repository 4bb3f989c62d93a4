package document

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/bus"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// Inbox message kinds. Updates mutate the document before fan-out; presence
// and chat only fan out; relays arrive from peer instances over the bus.
const (
	inboxUpdate = iota
	inboxPresence
	inboxChat
	inboxRelay
)

type inboxMsg struct {
	kind  int
	from  types.ClientIDType
	delta []byte
	frame []byte
	event string
}

type ctrlAdmit struct {
	session types.ClientInterface
	reply   chan error
}

type ctrlDepart struct {
	clientID types.ClientIDType
	user     types.UserInfo
}

type ctrlSaveDone struct {
	version int64
	err     error
}

type ctrlEncode struct {
	reply chan []byte
}

type ctrlFlush struct {
	stop  bool
	reply chan error
}

type busPublish struct {
	event string
	frame []byte
}

// entry is the live cache slot for one room. Its owner goroutine is the
// serialization point for every room-scoped mutation and broadcast: applies,
// encodes, admissions, departures and saves all execute here, so room-local
// ordering is linearizable while rooms run independently.
type entry struct {
	roomID types.RoomIDType
	cache  *Cache

	// Owner-goroutine state. Only run() and its callees touch these.
	doc          *Document
	loadErr      error
	dirty        bool
	saveInFlight bool
	population   int
	lastSaveAt   time.Time
	grace        *time.Timer
	graceC       <-chan time.Time

	inbox   chan inboxMsg
	control chan any

	// retired is guarded by the cache mutex. Once set, the entry is out of
	// the map and accepts no new work.
	retired bool

	subCancel context.CancelFunc
	subWG     sync.WaitGroup
	pubCh     chan busPublish
}

// run is the owner loop. The inbox is always drained to empty before a
// control message is handled, so a departure is never processed ahead of the
// frames its session already queued.
func (e *entry) run(ctx context.Context) {
	defer e.cache.wg.Done()

	e.load(ctx)
	// A just-spawned entry is empty. Arm the grace timer so it cannot
	// outlive a failed first admission; a successful admit disarms it.
	if e.graceC == nil {
		e.startGrace()
	}

	saveTicker := time.NewTicker(e.cache.cfg.SnapshotInterval)
	defer saveTicker.Stop()

	for {
		select {
		case msg := <-e.inbox:
			e.handleInbox(msg)
		case cmd := <-e.control:
			e.drainInbox()
			if e.handleControl(ctx, cmd) {
				return
			}
		case <-saveTicker.C:
			e.drainInbox()
			e.startSave(ctx)
		case <-e.graceC:
			e.drainInbox()
			if e.tryRetire(ctx) {
				return
			}
		case <-ctx.Done():
			e.teardown()
			return
		}
	}
}

// load seeds the document from the newest persisted snapshot. On failure the
// entry refuses admissions until it retires; the next admission builds a
// fresh entry and retries the load.
func (e *entry) load(ctx context.Context) {
	e.doc = New()

	var snap *store.Snapshot
	err := store.Retry(ctx, func() error {
		var err error
		snap, err = e.cache.repo.NewestSnapshot(ctx, e.roomID)
		return err
	})
	if err != nil {
		e.loadErr = err
		logging.Error(ctx, "Failed to load newest snapshot",
			zap.String("room_id", string(e.roomID)),
			zap.Error(err))
		// Retire quickly so the next admission gets a fresh load attempt.
		e.startGraceAfter(loadFailureLinger)
		return
	}
	if snap == nil {
		return
	}
	if err := e.doc.LoadFrom(snap.Payload); err != nil {
		e.loadErr = err
		logging.Error(ctx, "Snapshot payload is corrupt",
			zap.String("room_id", string(e.roomID)),
			zap.Int64("version", snap.Version),
			zap.Error(err))
		e.startGraceAfter(loadFailureLinger)
		return
	}
	logging.Info(ctx, "Document loaded from snapshot",
		zap.String("room_id", string(e.roomID)),
		zap.Int64("version", snap.Version),
		zap.Int("updates", e.doc.Len()))
}

func (e *entry) drainInbox() {
	for {
		select {
		case msg := <-e.inbox:
			e.handleInbox(msg)
		default:
			return
		}
	}
}

func (e *entry) handleInbox(msg inboxMsg) {
	switch msg.kind {
	case inboxUpdate:
		if e.doc.ApplyUpdate(msg.delta) {
			e.dirty = true
		}
		frame := protocol.MustEncode(protocol.Update{
			Delta: protocol.EncodeDelta(msg.delta),
			From:  msg.from,
		})
		e.cache.reg.Broadcast(e.roomID, frame, msg.from)
		e.publish(protocol.TypeUpdate, frame)
	case inboxPresence:
		e.cache.reg.Broadcast(e.roomID, msg.frame, msg.from)
		e.publish(protocol.TypePresence, msg.frame)
	case inboxChat:
		// Chat echoes back to the sender as delivery confirmation.
		e.cache.reg.Broadcast(e.roomID, msg.frame, "")
		e.publish(protocol.TypeChat, msg.frame)
	case inboxRelay:
		e.handleRelay(msg)
	}
	metrics.ApplyQueueDepth.WithLabelValues(string(e.roomID)).Set(float64(len(e.inbox)))
}

// handleRelay applies and re-broadcasts a frame relayed from a peer
// instance. Relayed updates merge into the local document so late local
// joiners see remote edits in their sync-response.
func (e *entry) handleRelay(msg inboxMsg) {
	if msg.event == protocol.TypeUpdate {
		f, err := protocol.Codec{}.Decode(msg.frame)
		if err != nil {
			logging.Warn(context.Background(), "Discarding malformed relayed frame",
				zap.String("room_id", string(e.roomID)),
				zap.Error(err))
			return
		}
		upd, ok := f.(protocol.Update)
		if !ok {
			return
		}
		raw, err := protocol.DecodeDelta(upd.Delta)
		if err != nil {
			return
		}
		if e.doc.ApplyUpdate(raw) {
			e.dirty = true
		}
	}
	e.cache.reg.Broadcast(e.roomID, msg.frame, "")
}

func (e *entry) handleControl(ctx context.Context, cmd any) (done bool) {
	switch c := cmd.(type) {
	case ctrlAdmit:
		c.reply <- e.admit(c.session)
	case ctrlDepart:
		e.depart(c)
	case ctrlSaveDone:
		e.finishSave(ctx, c)
	case ctrlEncode:
		c.reply <- e.doc.EncodeFull()
	case ctrlFlush:
		err := e.saveNow(ctx)
		if c.stop {
			e.teardown()
			done = true
		}
		c.reply <- err
	}
	return done
}

// admit performs the whole admission atomically with respect to this room:
// the sync-response is enqueued before the session is attached, and the join
// is broadcast before any later update can be processed. A joiner therefore
// sees its snapshot first and peers see the join before the joiner's edits.
func (e *entry) admit(s types.ClientInterface) error {
	if e.loadErr != nil {
		return fmt.Errorf("document unavailable: %w", e.loadErr)
	}

	members := e.cache.reg.Members(e.roomID)
	participants := make([]types.Participant, 0, len(members)+1)
	for _, m := range members {
		participants = append(participants, types.Participant{
			ClientID: m.GetID(),
			User:     m.GetUser(),
			Role:     m.GetRole(),
			JoinedAt: m.GetJoinedAt(),
		})
	}
	participants = append(participants, types.Participant{
		ClientID: s.GetID(),
		User:     s.GetUser(),
		Role:     s.GetRole(),
		JoinedAt: s.GetJoinedAt(),
	})

	syncFrame := protocol.MustEncode(protocol.SyncResponse{
		SnapshotData: protocol.EncodeDelta(e.doc.EncodeFull()),
		Participants: participants,
	})
	if !s.TrySend(syncFrame) {
		return fmt.Errorf("session %s refused sync-response", s.GetID())
	}

	if err := e.cache.reg.Attach(s, e.roomID); err != nil {
		return err
	}
	e.population++
	// Only a successful admission disarms the destroy timer; failed ones
	// leave it pending so an empty entry cannot linger.
	e.stopGrace()

	join := protocol.MustEncode(protocol.Join{
		User:     s.GetUser(),
		ClientID: s.GetID(),
		RoomID:   e.roomID,
	})
	e.cache.reg.Broadcast(e.roomID, join, s.GetID())
	e.publish(protocol.TypeJoin, join)

	metrics.RoomParticipants.WithLabelValues(string(e.roomID)).Set(float64(e.population))
	return nil
}

// depart broadcasts the leave and, when the room empties, arms the destroy
// grace timer. The inbox was drained first, so peers have already received
// everything the departing session sent.
func (e *entry) depart(c ctrlDepart) {
	frame := protocol.MustEncode(protocol.Leave{
		ClientID: c.clientID,
		UserID:   c.user.ID,
	})
	e.cache.reg.Broadcast(e.roomID, frame, c.clientID)
	e.publish(protocol.TypeLeave, frame)

	if e.population > 0 {
		e.population--
	}
	metrics.RoomParticipants.WithLabelValues(string(e.roomID)).Set(float64(e.population))
	if e.population == 0 {
		e.startGrace()
	}
}

// startSave kicks off an asynchronous snapshot write from a consistent
// encode. Skipped while a previous run is still in flight.
func (e *entry) startSave(ctx context.Context) {
	if !e.dirty || e.saveInFlight || e.loadErr != nil {
		return
	}
	payload := e.doc.EncodeFull()
	vector := e.doc.StateVector()
	e.dirty = false
	e.saveInFlight = true

	go func() {
		version, err := e.cache.writeSnapshot(ctx, e.roomID, payload, vector)
		select {
		case e.control <- ctrlSaveDone{version: version, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *entry) finishSave(ctx context.Context, c ctrlSaveDone) {
	e.saveInFlight = false
	if c.err != nil {
		// Leave the state dirty so the next tick retries the write.
		e.dirty = true
		logging.Error(ctx, "Snapshot save failed",
			zap.String("room_id", string(e.roomID)),
			zap.Error(c.err))
		return
	}
	e.lastSaveAt = time.Now()
	logging.Debug(ctx, "Snapshot saved",
		zap.String("room_id", string(e.roomID)),
		zap.Int64("version", c.version))
}

// saveNow writes a snapshot synchronously. Used for the final save before
// retirement and for shutdown flushes; dirty stays set on failure.
func (e *entry) saveNow(ctx context.Context) error {
	if !e.dirty || e.loadErr != nil {
		return nil
	}
	payload := e.doc.EncodeFull()
	vector := e.doc.StateVector()

	version, err := e.cache.writeSnapshot(ctx, e.roomID, payload, vector)
	if err != nil {
		return err
	}
	e.dirty = false
	e.lastSaveAt = time.Now()
	logging.Info(ctx, "Snapshot saved",
		zap.String("room_id", string(e.roomID)),
		zap.Int64("version", version))
	return nil
}

// tryRetire runs when the grace timer fires. The final save happens first,
// while the entry is still mapped, so a room re-acquired immediately after
// retirement loads exactly the state that was just written.
func (e *entry) tryRetire(ctx context.Context) bool {
	if e.population > 0 {
		return false
	}
	if err := e.saveNow(ctx); err != nil {
		logging.Error(ctx, "Final save failed, keeping document alive",
			zap.String("room_id", string(e.roomID)),
			zap.Error(err))
		e.startGrace()
		return false
	}
	if !e.cache.remove(e) {
		// Work slipped in behind the timer; stay alive and try again
		// after another grace period.
		e.startGrace()
		return false
	}
	e.teardown()
	logging.Info(ctx, "Idle document destroyed",
		zap.String("room_id", string(e.roomID)))
	return true
}

// teardown releases everything the entry owns. Queued admissions are failed
// rather than abandoned so their handshakes never hang.
func (e *entry) teardown() {
	e.stopGrace()
	if e.subCancel != nil {
		e.subCancel()
		e.subWG.Wait()
	}
	if e.pubCh != nil {
		close(e.pubCh)
	}
	metrics.ForgetRoom(string(e.roomID))

	for {
		select {
		case cmd := <-e.control:
			switch c := cmd.(type) {
			case ctrlAdmit:
				c.reply <- fmt.Errorf("document for room %s retired", e.roomID)
			case ctrlEncode:
				c.reply <- nil
			case ctrlFlush:
				c.reply <- nil
			}
		default:
			return
		}
	}
}

// loadFailureLinger bounds how long an entry that failed to load survives
// before retiring and letting a fresh entry retry.
const loadFailureLinger = time.Second

func (e *entry) startGrace() {
	e.startGraceAfter(e.cache.cfg.IdleDestroyGrace)
}

func (e *entry) startGraceAfter(d time.Duration) {
	e.stopGrace()
	e.grace = time.NewTimer(d)
	e.graceC = e.grace.C
}

func (e *entry) stopGrace() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
		e.graceC = nil
	}
}

// handleEnvelope receives frames relayed by peer instances. Runs on the bus
// subscriber goroutine; the owner picks the message up through the inbox.
func (e *entry) handleEnvelope(env bus.Envelope) {
	if env.SenderID == e.cache.bus.InstanceID() {
		return
	}
	select {
	case e.inbox <- inboxMsg{kind: inboxRelay, event: env.Event, frame: env.Payload}:
	default:
		metrics.BroadcastDrops.Inc()
	}
}

// publish hands a frame to the relay publisher. Dropped when the publish
// queue is full; the peer instance converges through snapshots instead.
func (e *entry) publish(event string, frame []byte) {
	if e.pubCh == nil {
		return
	}
	select {
	case e.pubCh <- busPublish{event: event, frame: frame}:
	default:
		metrics.BroadcastDrops.Inc()
	}
}

// publisher drains the relay queue to the bus off the owner goroutine so a
// slow broker never stalls room traffic.
func (e *entry) publisher(ctx context.Context) {
	defer e.cache.wg.Done()
	for msg := range e.pubCh {
		if err := e.cache.bus.Publish(ctx, string(e.roomID), msg.event, msg.frame, e.cache.bus.InstanceID()); err != nil {
			logging.Debug(ctx, "Bus publish failed",
				zap.String("room_id", string(e.roomID)),
				zap.String("event", msg.event),
				zap.Error(err))
		}
	}
}
