// Package ratelimit guards the HTTP surface with fixed-window limits,
// backed by Redis when available and process memory otherwise.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/config"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/metrics"
)

// Limiter holds one limiter per surface: REST calls and WebSocket
// handshakes. Both key by client IP.
type Limiter struct {
	api *limiter.Limiter
	ws  *limiter.Limiter
}

// New parses the configured rates and picks a store. With a Redis client
// the limits hold across instances; without one they are per-process.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}

	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWS)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &Limiter{
		api: limiter.New(store, apiRate),
		ws:  limiter.New(store, wsRate),
	}, nil
}

// APIMiddleware enforces the REST limit. A failing limiter store fails
// open so the API stays available.
func (rl *Limiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		// Both limiters share one store, so keys carry the surface prefix.
		lctx, err := rl.api.Get(ctx, "api:"+c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("api").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}

// AllowWebSocket reports whether a new handshake from this client is
// within limits, writing the 429 response itself when it is not. Called
// before the connection is upgraded.
func (rl *Limiter) AllowWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.ws.Get(ctx, "ws:"+c.ClientIP())
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts"})
		return false
	}

	return true
}
