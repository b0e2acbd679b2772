// Package config loads runtime configuration for the mandate workflow
// from environment variables, optionally layered under a YAML
// deployment profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	LogLevel string

	// Storage: "memory", "sqlite" or "postgres".
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string

	// Replay guard: "memory" or "redis".
	ReplayBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KeystorePath string
	KeyBits      int
	AuditLogPath string

	// MaxIntentTTL bounds mandate lifetimes; the replay window and key
	// rotation grace period are derived from it.
	MaxIntentTTL  time.Duration
	ClockSkew     time.Duration
	WebhookWindow time.Duration

	WebhookMasterSecret string

	SettlementMaxAttempts int
	SettlementTimeout     time.Duration

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// ReplayWindow is the trailing interval nonces are tracked for.
func (c *Config) ReplayWindow() time.Duration {
	return c.MaxIntentTTL + c.ClockSkew
}

// KeyGracePeriod is how long retired keys stay valid for verification.
func (c *Config) KeyGracePeriod() time.Duration {
	return c.MaxIntentTTL + c.ClockSkew
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:              envStr("LOG_LEVEL", "INFO"),
		StoreBackend:          envStr("STORE_BACKEND", "memory"),
		SQLitePath:            envStr("SQLITE_PATH", "mandate.db"),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		ReplayBackend:         envStr("REPLAY_BACKEND", "memory"),
		RedisAddr:             envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         envStr("REDIS_PASSWORD", ""),
		RedisDB:               envInt("REDIS_DB", 0),
		KeystorePath:          envStr("KEYSTORE_PATH", "keys/keystore.json"),
		KeyBits:               envInt("KEY_BITS", 2048),
		AuditLogPath:          envStr("AUDIT_LOG_PATH", "audit.jsonl"),
		MaxIntentTTL:          envDuration("MAX_INTENT_TTL", 15*time.Minute),
		ClockSkew:             envDuration("CLOCK_SKEW_TOLERANCE", time.Minute),
		WebhookWindow:         envDuration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute),
		WebhookMasterSecret:   envStr("WEBHOOK_MASTER_SECRET", ""),
		SettlementMaxAttempts: envInt("SETTLEMENT_MAX_ATTEMPTS", 3),
		SettlementTimeout:     envDuration("SETTLEMENT_TIMEOUT", 10*time.Second),
		OTLPEndpoint:          envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:      os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
