package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the gateway process.
// Loaded once at startup and passed by value to the components that need it.
type Config struct {
	Port    string
	GinMode string

	// Admission
	AuthRequired   bool     // when false (non-production only), connections are admitted anonymously
	AllowedOrigins []string // origin allow-list for the websocket upgrade
	FallbackOrigin string   // single origin used in production when the allow-list is misconfigured
	InternalToken  string   // shared secret for the internal publish/activate HTTP surface

	// External stores
	RedisURL    string
	DatabaseURL string
	NatsURL     string

	// Protocol
	LegacyProtocolEnabled bool
	MaxFrameBytes         int64

	// Timers
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	PendingTTL        time.Duration
	BacklogTTL        time.Duration

	// Backlog caps
	BacklogPerKeyLimit int
	BacklogGlobalLimit int

	// Subscribe rate limiting (token bucket per connection)
	RateLimitCapacity       float64
	RateLimitRefillTokens   float64
	RateLimitRefillInterval time.Duration

	// Database connection pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment (and .env if present).
func Load() Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		AuthRequired:   getEnvOrDefault("AUTH_REQUIRED", "true") == "true",
		AllowedOrigins: splitOrigins(getEnvOrDefault("ALLOWED_ORIGINS", "")),
		FallbackOrigin: getEnvOrDefault("FALLBACK_ORIGIN", "https://app.luminasearch.com"),
		InternalToken:  getEnvOrDefault("INTERNAL_API_TOKEN", ""),

		RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/search_rt?sslmode=disable"),
		NatsURL:     getEnvOrDefault("NATS_URL", ""),

		LegacyProtocolEnabled: getEnvOrDefault("LEGACY_PROTOCOL_ENABLED", "true") == "true",
		MaxFrameBytes:         int64(getEnvAsInt("MAX_FRAME_BYTES", 64*1024)),

		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 15*time.Minute),
		PendingTTL:        getEnvAsDuration("PENDING_SUBSCRIPTION_TTL", 90*time.Second),
		BacklogTTL:        getEnvAsDuration("BACKLOG_TTL", 2*time.Minute),

		BacklogPerKeyLimit: getEnvAsInt("BACKLOG_PER_KEY_LIMIT", 50),
		BacklogGlobalLimit: getEnvAsInt("BACKLOG_GLOBAL_LIMIT", 10000),

		RateLimitCapacity:       getEnvFloat("SUBSCRIBE_RATE_CAPACITY", 10),
		RateLimitRefillTokens:   getEnvFloat("SUBSCRIBE_RATE_REFILL_TOKENS", 10),
		RateLimitRefillInterval: getEnvAsDuration("SUBSCRIBE_RATE_REFILL_INTERVAL", time.Minute),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if cfg.AuthRequired && cfg.RedisURL == "" {
		// Admission requires the ticket store. Refusing to start beats running open.
		log.Fatal("AUTH_REQUIRED is set but REDIS_URL is empty")
	}

	if !cfg.AuthRequired && IsProduction() {
		log.Fatal("AUTH_REQUIRED=false is not allowed in production")
	}

	if len(cfg.AllowedOrigins) == 0 {
		log.Printf("Warning: ALLOWED_ORIGINS is empty, falling back to %s in production", cfg.FallbackOrigin)
	}

	return cfg
}

// IsProduction reports whether the process runs with APP_ENV=production.
func IsProduction() bool {
	return os.Getenv("APP_ENV") == "production"
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
