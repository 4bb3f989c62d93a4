// Package api serves the REST surface for room management. It is a thin
// wrapper over the repository; the live collaboration path never goes
// through it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/transport"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

const (
	maxRoomNameLength = 100
	maxListLimit      = 100
)

// StatsSource reports the hub's live load for GET /api/stats.
type StatsSource interface {
	Snapshot() transport.Stats
}

// DocumentSource serves the live serialized state of a cached room for
// GET /api/rooms/:id/document. ok=false means the room has no live document
// and the newest snapshot is authoritative.
type DocumentSource interface {
	EncodeFull(ctx context.Context, roomID types.RoomIDType) ([]byte, bool)
}

// Handler exposes room CRUD, document export and hub statistics.
type Handler struct {
	repo  store.Repository
	stats StatsSource
	docs  DocumentSource
}

// NewHandler creates the REST handler. stats and docs may be nil when no hub
// is attached, for example in a migration or admin tool.
func NewHandler(repo store.Repository, stats StatsSource, docs DocumentSource) *Handler {
	return &Handler{
		repo:  repo,
		stats: stats,
		docs:  docs,
	}
}

// Register mounts every route under the given group, normally /api.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/rooms", h.CreateRoom)
	rg.GET("/rooms", h.ListRooms)
	rg.GET("/rooms/:id", h.GetRoom)
	rg.GET("/rooms/:id/exists", h.RoomExists)
	rg.PATCH("/rooms/:id", h.UpdateRoom)
	rg.DELETE("/rooms/:id", h.DeleteRoom)
	rg.GET("/rooms/:id/snapshots", h.ListSnapshots)
	rg.GET("/rooms/:id/document", h.GetDocument)
	rg.GET("/stats", h.Stats)
}

type createRoomRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatorID  string `json:"creatorId"`
	Visibility string `json:"visibility"`
}

// CreateRoom handles POST /rooms. A missing id is minted server-side and
// visibility defaults to public.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if len(req.Name) > maxRoomNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("name cannot exceed %d characters", maxRoomNameLength)})
		return
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creatorId is required"})
		return
	}

	visibility := types.VisibilityPublic
	if req.Visibility != "" {
		v, err := parseVisibility(req.Visibility)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		visibility = v
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		minted, err := shortid.Generate()
		if err != nil {
			logging.Error(c.Request.Context(), "Failed to mint room id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
			return
		}
		id = minted
	}

	room, err := h.repo.CreateRoom(c.Request.Context(), types.RoomIDType(id), req.Name, types.UserIDType(req.CreatorID), visibility)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "room already exists"})
			return
		}
		logging.Error(c.Request.Context(), "Failed to create room",
			zap.String("room_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create room"})
		return
	}

	c.JSON(http.StatusCreated, room)
}

// ListRooms handles GET /rooms, returning public rooms newest-active first.
func (h *Handler) ListRooms(c *gin.Context) {
	limit, err := parseLimit(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rooms, err := h.repo.ListPublicRooms(c.Request.Context(), limit)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list rooms"})
		return
	}
	if rooms == nil {
		rooms = []*store.Room{}
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom handles GET /rooms/:id.
func (h *Handler) GetRoom(c *gin.Context) {
	id := types.RoomIDType(c.Param("id"))

	room, err := h.repo.FindRoom(c.Request.Context(), id)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to look up room",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not look up room"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// RoomExists handles GET /rooms/:id/exists.
func (h *Handler) RoomExists(c *gin.Context) {
	room, err := h.repo.FindRoom(c.Request.Context(), types.RoomIDType(c.Param("id")))
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to look up room",
			zap.String("room_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not look up room"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exists": room != nil})
}

type updateRoomRequest struct {
	Name       *string `json:"name"`
	Visibility *string `json:"visibility"`
}

// UpdateRoom handles PATCH /rooms/:id. Absent fields are left untouched.
func (h *Handler) UpdateRoom(c *gin.Context) {
	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == nil && req.Visibility == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name cannot be empty"})
			return
		}
		if len(trimmed) > maxRoomNameLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("name cannot exceed %d characters", maxRoomNameLength)})
			return
		}
		req.Name = &trimmed
	}

	var visibility *types.VisibilityType
	if req.Visibility != nil {
		v, err := parseVisibility(*req.Visibility)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		visibility = &v
	}

	id := types.RoomIDType(c.Param("id"))
	room, err := h.repo.UpdateRoom(c.Request.Context(), id, req.Name, visibility)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		logging.Error(c.Request.Context(), "Failed to update room",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// DeleteRoom handles DELETE /rooms/:id. The delete is soft; participants and
// snapshots of the room become invisible with it.
func (h *Handler) DeleteRoom(c *gin.Context) {
	id := types.RoomIDType(c.Param("id"))

	if err := h.repo.DeleteRoom(c.Request.Context(), id, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		logging.Error(c.Request.Context(), "Failed to delete room",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete room"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListSnapshots handles GET /rooms/:id/snapshots, returning metadata only.
func (h *Handler) ListSnapshots(c *gin.Context) {
	limit, err := parseLimit(c.DefaultQuery("limit", "10"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := types.RoomIDType(c.Param("id"))
	room, err := h.repo.FindRoom(c.Request.Context(), id)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to look up room",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not look up room"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	snapshots, err := h.repo.ListSnapshots(c.Request.Context(), id, limit)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to list snapshots",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list snapshots"})
		return
	}
	if snapshots == nil {
		snapshots = []store.SnapshotMeta{}
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

// GetDocument handles GET /rooms/:id/document. It exports the room's current
// serialized state, base64-encoded the same way update deltas are on the
// socket: the live document when one is cached, otherwise the newest
// snapshot. A room that was never drawn on exports as empty.
func (h *Handler) GetDocument(c *gin.Context) {
	id := types.RoomIDType(c.Param("id"))

	room, err := h.repo.FindRoom(c.Request.Context(), id)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to look up room",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not look up room"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	if h.docs != nil {
		if payload, ok := h.docs.EncodeFull(c.Request.Context(), id); ok {
			c.JSON(http.StatusOK, gin.H{"document": protocol.EncodeDelta(payload), "source": "live"})
			return
		}
	}

	snap, err := h.repo.NewestSnapshot(c.Request.Context(), id)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to read newest snapshot",
			zap.String("room_id", string(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not export document"})
		return
	}
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"document": "", "source": "none"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"document": protocol.EncodeDelta(snap.Payload), "source": "snapshot"})
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusOK, transport.Stats{})
		return
	}
	c.JSON(http.StatusOK, h.stats.Snapshot())
}

func parseVisibility(raw string) (types.VisibilityType, error) {
	switch v := types.VisibilityType(raw); v {
	case types.VisibilityPublic, types.VisibilityPrivate:
		return v, nil
	default:
		return "", fmt.Errorf("visibility must be %q or %q", types.VisibilityPublic, types.VisibilityPrivate)
	}
}

func parseLimit(raw string) (int, error) {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
