package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth modes accepted by AUTH_MODE.
const (
	AuthModePermissive = "permissive"
	AuthModeSecret     = "secret"
	AuthModeJWKS       = "jwks"
)

// Config holds validated environment configuration
type Config struct {
	// Serving
	Port       string
	StoreURL   string
	CORSOrigin string

	// Room/document tuning
	SnapshotInterval time.Duration
	SnapshotKeep     int
	IdleDestroyGrace time.Duration
	OutboundQueue    int
	ApplyQueue       int
	MaxFrameBytes    int64

	// Connection tuning
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteDeadline     time.Duration
	ShutdownDrain     time.Duration

	// Auth
	AuthMode     string
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	// Optional cross-instance relay
	RedisAddr     string
	RedisPassword string

	// Rate limits (format "<count>-<period>", e.g. "60-M")
	RateLimitWS  string
	RateLimitAPI string

	// Observability
	OtelCollectorAddr string

	Env             string
	DevelopmentMode bool
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error listing every invalid variable rather than stopping at the
// first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (valid port number, defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// STORE_URL selects the repository backend
	cfg.StoreURL = getEnvOrDefault("STORE_URL", "memory://")
	switch {
	case cfg.StoreURL == "memory://":
	case strings.HasPrefix(cfg.StoreURL, "postgres://"), strings.HasPrefix(cfg.StoreURL, "postgresql://"):
	default:
		errors = append(errors, fmt.Sprintf("STORE_URL must be 'memory://' or a postgres:// URL (got '%s')", redactURL(cfg.StoreURL)))
	}

	cfg.CORSOrigin = getEnvOrDefault("CORS_ORIGIN", "http://localhost:5173")

	cfg.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", 30*time.Second, &errors)
	cfg.SnapshotKeep = getEnvInt("SNAPSHOT_KEEP", 10, 1, &errors)
	cfg.IdleDestroyGrace = getEnvDuration("IDLE_DESTROY_GRACE", 60*time.Second, &errors)
	cfg.OutboundQueue = getEnvInt("OUTBOUND_QUEUE", 256, 1, &errors)
	cfg.ApplyQueue = getEnvInt("APPLY_QUEUE", 1024, 1, &errors)
	cfg.MaxFrameBytes = int64(getEnvInt("MAX_FRAME_BYTES", 1<<20, 1, &errors))

	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second, &errors)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", 90*time.Second, &errors)
	cfg.WriteDeadline = getEnvDuration("WRITE_DEADLINE", 10*time.Second, &errors)
	cfg.ShutdownDrain = getEnvDuration("SHUTDOWN_DRAIN", 5*time.Second, &errors)

	if cfg.HeartbeatInterval >= cfg.IdleTimeout {
		errors = append(errors, fmt.Sprintf("HEARTBEAT_INTERVAL (%s) must be shorter than IDLE_TIMEOUT (%s)", cfg.HeartbeatInterval, cfg.IdleTimeout))
	}

	// AUTH_MODE and its conditional requirements
	cfg.AuthMode = getEnvOrDefault("AUTH_MODE", AuthModePermissive)
	switch cfg.AuthMode {
	case AuthModePermissive:
	case AuthModeSecret:
		cfg.AuthSecret = os.Getenv("AUTH_SECRET")
		cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
		cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
		if cfg.AuthSecret == "" {
			errors = append(errors, "AUTH_SECRET is required when AUTH_MODE=secret")
		} else if len(cfg.AuthSecret) < 32 {
			errors = append(errors, fmt.Sprintf("AUTH_SECRET must be at least 32 characters (got %d)", len(cfg.AuthSecret)))
		}
	case AuthModeJWKS:
		cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
		cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
		if cfg.AuthIssuer == "" {
			errors = append(errors, "AUTH_ISSUER is required when AUTH_MODE=jwks")
		}
		if cfg.AuthAudience == "" {
			errors = append(errors, "AUTH_AUDIENCE is required when AUTH_MODE=jwks")
		}
	default:
		errors = append(errors, fmt.Sprintf("AUTH_MODE must be one of permissive, secret, jwks (got '%s')", cfg.AuthMode))
	}

	// Optional: REDIS_ADDR enables the cross-instance relay
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "60-M")
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "600-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}

	// Optional: ENV (defaults to "production")
	cfg.Env = getEnvOrDefault("ENV", "production")
	cfg.DevelopmentMode = cfg.Env == "development"

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// CORSOrigins expands the comma-separated CORS_ORIGIN value into the
// allowed origin list shared by the REST and WebSocket surfaces.
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSOrigin, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"store_url", redactURL(cfg.StoreURL),
		"cors_origin", cfg.CORSOrigin,
		"snapshot_interval", cfg.SnapshotInterval,
		"snapshot_keep", cfg.SnapshotKeep,
		"idle_destroy_grace", cfg.IdleDestroyGrace,
		"outbound_queue", cfg.OutboundQueue,
		"apply_queue", cfg.ApplyQueue,
		"max_frame_bytes", cfg.MaxFrameBytes,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_drain", cfg.ShutdownDrain,
		"auth_mode", cfg.AuthMode,
		"auth_secret", redactSecret(cfg.AuthSecret),
		"redis_addr", cfg.RedisAddr,
		"env", cfg.Env,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvDuration parses a duration variable, accumulating an error for
// unparsable or non-positive values.
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration like '30s' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// getEnvInt parses an integer variable with a lower bound.
func getEnvInt(key string, defaultValue, min int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer >= %d (got '%s')", key, min, raw))
		return defaultValue
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// redactURL strips credentials from a connection URL before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
