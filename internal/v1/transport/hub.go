// Package transport owns the WebSocket surface of the hub: socket accept,
// the per-session read/write pumps and the session lifecycle from Pending
// to Closed. Room semantics live in the document and registry packages;
// this package only moves frames between sockets and room owners.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/config"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/document"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/ratelimit"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/registry"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

const statsInterval = 30 * time.Second

// Hub accepts sockets and turns them into sessions. It mints the client id,
// wires each session to the shared registry, document cache and repository,
// and coordinates the drain on shutdown.
type Hub struct {
	cfg       *config.Config
	repo      store.Repository
	registry  *registry.Registry
	cache     *document.Cache
	validator types.TokenValidator
	limiter   *ratelimit.Limiter

	codec   protocol.Codec
	origins []string

	accepting atomic.Bool
	wg        sync.WaitGroup

	statsStop chan struct{}
	statsOnce sync.Once
}

// NewHub builds the hub and starts its stats emitter. limiter may be nil
// when connection rate limiting is not wanted, for example in tests.
func NewHub(cfg *config.Config, repo store.Repository, reg *registry.Registry, cache *document.Cache, validator types.TokenValidator, limiter *ratelimit.Limiter) *Hub {
	h := &Hub{
		cfg:       cfg,
		repo:      repo,
		registry:  reg,
		cache:     cache,
		validator: validator,
		limiter:   limiter,
		codec:     protocol.Codec{MaxFrameBytes: cfg.MaxFrameBytes},
		origins:   cfg.CORSOrigins(),
		statsStop: make(chan struct{}),
	}
	h.accepting.Store(true)

	h.wg.Add(1)
	go h.emitStats()
	return h
}

// ServeWs upgrades an HTTP request to a WebSocket session. The socket is
// handed to the session state machine in Pending; authentication happens on
// the first frame, not here.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.accepting.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	if h.limiter != nil && !h.limiter.AllowWebSocket(c) {
		return // response already written
	}
	if err := validateOrigin(c.Request, h.origins); err != nil {
		logging.Warn(c.Request.Context(), "Rejecting socket from unlisted origin", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrade(c)
	if err != nil {
		return // upgrader already replied
	}
	h.HandleConnection(conn)
}

// HandleConnection builds a Pending session around an established socket
// and starts its pumps. Exposed so tests can drive the state machine with
// fake connections.
func (h *Hub) HandleConnection(conn wsConnection) *Session {
	s := &Session{
		conn:       conn,
		hub:        h,
		clientID:   types.ClientIDType(uuid.NewString()),
		send:       make(chan []byte, h.cfg.OutboundQueue),
		writerDone: make(chan struct{}),
	}
	metrics.IncConnection()

	go s.writePump()
	go s.readPump()
	return s
}

// findOrCreateRoom resolves the room named in a connect frame, creating it
// on first contact. Two concurrent first contacts race politely: the loser
// of the create re-reads the winner's row.
func (h *Hub) findOrCreateRoom(ctx context.Context, roomID types.RoomIDType, creator types.UserIDType) error {
	room, err := h.repo.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room != nil {
		return nil
	}

	_, err = h.repo.CreateRoom(ctx, roomID, string(roomID), creator, types.VisibilityPublic)
	if err == nil {
		logging.Info(ctx, "Room created on first connect",
			zap.String("room_id", string(roomID)))
		return nil
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		_, err = h.repo.FindRoom(ctx, roomID)
	}
	return err
}

// background runs fn on a tracked goroutine so Shutdown can wait for
// stragglers like participant-record retries.
func (h *Hub) background(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Stats is a point-in-time view of hub load, served by the REST surface and
// logged periodically.
type Stats struct {
	Sessions  int `json:"sessions"`
	Rooms     int `json:"rooms"`
	Documents int `json:"documents"`
}

// Snapshot returns current hub counters.
func (h *Hub) Snapshot() Stats {
	return Stats{
		Sessions:  h.registry.Len(),
		Rooms:     len(h.registry.Rooms()),
		Documents: h.cache.Len(),
	}
}

func (h *Hub) emitStats() {
	defer h.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := h.Snapshot()
			logging.Info(context.Background(), "Hub stats",
				zap.Int("sessions", stats.Sessions),
				zap.Int("rooms", stats.Rooms),
				zap.Int("documents", stats.Documents))
		case <-h.statsStop:
			return
		}
	}
}

// Shutdown stops accepting sockets, asks every session to close and waits
// for the registry to drain, bounded by the configured drain deadline.
// Sessions still open past the deadline are abandoned to their write
// deadlines. The document cache is flushed separately, after this returns.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.accepting.Store(false)
	h.statsOnce.Do(func() { close(h.statsStop) })

	open := h.registry.Len()
	logging.Info(ctx, "Hub shutting down", zap.Int("sessions", open))
	h.registry.CloseAll(types.CloseReasonShutdown)

	if err := h.waitDrained(ctx); err != nil {
		logging.Warn(ctx, "Sessions still open past the drain deadline",
			zap.Int("sessions", h.registry.Len()),
			zap.Error(err))
	}

	h.wg.Wait()
	logging.Info(ctx, "Hub drained", zap.Int("closed", open))
	return nil
}

func (h *Hub) waitDrained(ctx context.Context) error {
	deadline := time.NewTimer(h.cfg.ShutdownDrain)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for h.registry.Len() > 0 {
		select {
		case <-tick.C:
		case <-deadline.C:
			return errors.New("drain deadline exceeded")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
