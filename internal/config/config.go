// Package config loads runtime settings for the realtime service from the
// environment (optionally seeded from a .env file) and applies defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// PresenceConfig holds the presence state machine timings.
type PresenceConfig struct {
	AwayTimeout  time.Duration
	Retention    time.Duration
	ReapSchedule string
}

// StorageConfig selects the database and cache backends.
type StorageConfig struct {
	DBDriver      string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DirectoryTTL  time.Duration
}

// MessagingConfig selects how outbound deliveries leave the process.
type MessagingConfig struct {
	DeliveryMode  string
	NATSURL       string
	SubjectPrefix string
}

// IdentityConfig selects how the handshake principal is resolved.
type IdentityConfig struct {
	Mode      string
	JWTSecret string
}

// Config holds every setting of the service.
type Config struct {
	LogMode        string
	Server         ServerConfig
	Presence       PresenceConfig
	TypingInterval time.Duration
	RingTimeout    time.Duration
	Workers        int
	QueueSize      int
	Storage        StorageConfig
	Messaging      MessagingConfig
	Identity       IdentityConfig
	OTelEnabled    bool
	ServiceName    string
}

const (
	DeliveryLocal = "local"
	DeliveryNATS  = "nats"
	DeliveryBoth  = "both"

	IdentityHeader = "header"
	IdentityJWT    = "jwt"
)

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		LogMode: "development",
		Server: ServerConfig{
			Port: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: 64 * 1024,
			RateLimit: RateLimitConfig{
				Burst:          50,
				RefillInterval: time.Second,
			},
		},
		Presence: PresenceConfig{
			AwayTimeout:  15 * time.Minute,
			Retention:    24 * time.Hour,
			ReapSchedule: "@hourly",
		},
		TypingInterval: 800 * time.Millisecond,
		RingTimeout:    45 * time.Second,
		Workers:        8,
		QueueSize:      1024,
		Storage: StorageConfig{
			DBDriver:     "sqlite",
			DBDSN:        "file:nexus-realtime.db?cache=shared",
			DirectoryTTL: 5 * time.Minute,
		},
		Messaging: MessagingConfig{
			DeliveryMode:  DeliveryLocal,
			SubjectPrefix: "realtime",
		},
		Identity: IdentityConfig{
			Mode: IdentityHeader,
		},
		ServiceName: "nexus-realtime",
	}
}

// Load reads a .env file when present and then builds the Config from the
// environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv creates a Config from environment variables, falling back to
// defaults for anything unset or invalid.
func FromEnv() Config {
	cfg := Default()

	cfg.LogMode = stringValue("LOG_MODE", cfg.LogMode)

	cfg.Server.Port = stringValue("SERVER_PORT", cfg.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseList(origins)
	}
	cfg.Server.MaxMessageSize = int64Value("MAX_MESSAGE_SIZE", cfg.Server.MaxMessageSize)
	cfg.Server.RateLimit.Burst = intValue("RATE_LIMIT_BURST", cfg.Server.RateLimit.Burst)
	cfg.Server.RateLimit.RefillInterval = durationValue("RATE_LIMIT_REFILL_INTERVAL", cfg.Server.RateLimit.RefillInterval)

	cfg.Presence.AwayTimeout = durationValue("PRESENCE_AWAY_TIMEOUT", cfg.Presence.AwayTimeout)
	cfg.Presence.Retention = durationValue("PRESENCE_RETENTION", cfg.Presence.Retention)
	cfg.Presence.ReapSchedule = stringValue("PRESENCE_REAP_SCHEDULE", cfg.Presence.ReapSchedule)

	cfg.TypingInterval = durationValue("TYPING_INTERVAL", cfg.TypingInterval)
	cfg.RingTimeout = durationValue("CALL_RING_TIMEOUT", cfg.RingTimeout)
	cfg.Workers = intValue("WORKER_COUNT", cfg.Workers)
	cfg.QueueSize = intValue("WORKER_QUEUE_SIZE", cfg.QueueSize)

	cfg.Storage.DBDriver = strings.ToLower(stringValue("DB_DRIVER", cfg.Storage.DBDriver))
	cfg.Storage.DBDSN = stringValue("DB_DSN", cfg.Storage.DBDSN)
	cfg.Storage.RedisAddr = stringValue("REDIS_ADDR", cfg.Storage.RedisAddr)
	cfg.Storage.RedisPassword = stringValue("REDIS_PASSWORD", cfg.Storage.RedisPassword)
	cfg.Storage.RedisDB = intValue("REDIS_DB", cfg.Storage.RedisDB)
	cfg.Storage.DirectoryTTL = durationValue("DIRECTORY_CACHE_TTL", cfg.Storage.DirectoryTTL)

	cfg.Messaging.DeliveryMode = strings.ToLower(stringValue("DELIVERY_MODE", cfg.Messaging.DeliveryMode))
	cfg.Messaging.NATSURL = stringValue("NATS_URL", cfg.Messaging.NATSURL)
	cfg.Messaging.SubjectPrefix = stringValue("NATS_SUBJECT_PREFIX", cfg.Messaging.SubjectPrefix)

	cfg.Identity.Mode = strings.ToLower(stringValue("IDENTITY_MODE", cfg.Identity.Mode))
	cfg.Identity.JWTSecret = stringValue("JWT_SECRET", cfg.Identity.JWTSecret)

	cfg.OTelEnabled = boolValue("OTEL_ENABLED", cfg.OTelEnabled)
	cfg.ServiceName = stringValue("OTEL_SERVICE_NAME", cfg.ServiceName)

	return Sanitize(cfg)
}

// Sanitize replaces unusable values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if cfg.Presence.AwayTimeout <= 0 {
		cfg.Presence.AwayTimeout = def.Presence.AwayTimeout
	}
	if cfg.Presence.Retention <= 0 {
		cfg.Presence.Retention = def.Presence.Retention
	}
	if cfg.Presence.ReapSchedule == "" {
		cfg.Presence.ReapSchedule = def.Presence.ReapSchedule
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = def.TypingInterval
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	switch cfg.Messaging.DeliveryMode {
	case DeliveryLocal, DeliveryNATS, DeliveryBoth:
	default:
		cfg.Messaging.DeliveryMode = def.Messaging.DeliveryMode
	}
	if cfg.Messaging.SubjectPrefix == "" {
		cfg.Messaging.SubjectPrefix = def.Messaging.SubjectPrefix
	}
	switch cfg.Identity.Mode {
	case IdentityHeader, IdentityJWT:
	default:
		cfg.Identity.Mode = def.Identity.Mode
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	return cfg
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func stringValue(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func intValue(key string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func int64Value(key string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func boolValue(key string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return parsed
	}
	return defaultValue
}

// durationValue accepts Go duration strings ("15m") or a bare number of seconds.
func durationValue(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
