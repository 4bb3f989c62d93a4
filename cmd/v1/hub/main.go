package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/api"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/auth"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/bus"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/config"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/document"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/health"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/middleware"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/ratelimit"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/registry"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/store"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/tracing"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/transport"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

const serviceName = "inkdeck-hub"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	var tracingShutdown func(context.Context) error
	if cfg.OtelCollectorAddr != "" {
		tracingShutdown, err = tracing.Init(ctx, serviceName, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
			tracingShutdown = nil
		} else {
			logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OtelCollectorAddr))
		}
	}

	// --- Repository ---
	repo, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to open store", zap.Error(err))
	}

	// --- Redis Relay (optional) ---
	var busSvc *bus.Service
	if cfg.RedisAddr != "" {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busSvc = nil
		} else {
			logging.Info(ctx, "Redis relay initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (no REDIS_ADDR)")
	}

	// The interface values must stay nil when no relay is configured; they
	// are only assigned from a live *bus.Service.
	var relay types.BusService
	var relayPinger health.Pinger
	var redisClient *redis.Client
	if busSvc != nil {
		relay = busSvc
		relayPinger = busSvc
		redisClient = busSvc.Client()
	}

	// --- Token validation ---
	var validator types.TokenValidator
	switch cfg.AuthMode {
	case config.AuthModeSecret:
		validator = auth.NewSecretValidator(cfg.AuthSecret, cfg.AuthIssuer, cfg.AuthAudience)
		logging.Info(ctx, "Token validation via shared secret")
	case config.AuthModeJWKS:
		jwksValidator, err := auth.NewJWKSValidator(ctx, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create JWKS validator", zap.Error(err))
		}
		validator = jwksValidator
		logging.Info(ctx, "Token validation via JWKS", zap.String("issuer", cfg.AuthIssuer))
	default:
		validator = &auth.PermissiveValidator{}
		logging.Warn(ctx, "Token validation is permissive; every connect is accepted")
	}

	// --- Core assembly ---
	reg := registry.New()
	cache := document.NewCache(repo, reg, relay, cfg)

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to configure rate limits", zap.Error(err))
	}

	hub := transport.NewHub(cfg, repo, reg, cache, validator, limiter)

	// --- HTTP router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingShutdown != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins()
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	apiGroup := router.Group("/api")
	apiGroup.Use(limiter.APIMiddleware())
	api.NewHandler(repo, hub, cache).Register(apiGroup)

	healthHandler := health.NewHandler(repo, relayPinger)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Hub server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Refuse new sockets and drain live sessions, then flush every dirty
	// document while the repository is still up.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}
	if err := cache.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error flushing documents", zap.Error(err))
	}

	// Participant rows opened by sessions that never tore down cleanly.
	if closed, err := repo.CloseOpenParticipants(shutdownCtx, time.Now()); err != nil {
		logging.Error(ctx, "Failed to sweep open participant records", zap.Error(err))
	} else if closed > 0 {
		logging.Info(ctx, "Swept open participant records", zap.Int64("count", closed))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if busSvc != nil {
		if err := busSvc.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}
	repo.Close()

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Failed to flush tracing", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
