// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
)

// Pinger is the connectivity check a dependency must expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages the health check endpoints. The store is a hard
// dependency; the relay is optional and reported as disabled when nil.
type Handler struct {
	store Pinger
	relay Pinger
}

// NewHandler creates a health check handler. Pass a nil relay when the
// hub runs in single-instance mode.
func NewHandler(store, relay Pinger) *Handler {
	return &Handler{
		store: store,
		relay: relay,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only while every hard
// dependency answers; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	checks["relay"] = h.checkRelay(ctx)

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "unhealthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkRelay never fails readiness: a hub degrades to single-instance
// fan-out when the relay is away, so the probe only reports it.
func (h *Handler) checkRelay(ctx context.Context) string {
	if h.relay == nil {
		return "disabled"
	}
	if err := h.relay.Ping(ctx); err != nil {
		logging.Warn(ctx, "relay health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
