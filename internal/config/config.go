// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Claim serialization modes.
const (
	SerializeMutex = "mutex"
	SerializeQueue = "queue"
	SerializeRedis = "redis"
)

const minSeedLength = 6

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Seed derives the scoring coefficients. Only the first six characters matter.
	Seed string `koanf:"seed"`

	// StoreDriver selects the entry store: memory, sqlite or postgres.
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN string `koanf:"postgres_dsn"`

	// StoreTimeoutMS bounds the store work of a single request.
	StoreTimeoutMS int `koanf:"store_timeout_ms"`

	// JoinMaxAttempts and JoinRetryBackoffMS bound join conflict recovery.
	JoinMaxAttempts    int `koanf:"join_max_attempts"`
	JoinRetryBackoffMS int `koanf:"join_retry_backoff_ms"`

	// ClaimSerialization selects how claims on one drop are serialized:
	// mutex, queue or redis.
	ClaimSerialization string `koanf:"claim_serialization"`

	// ClaimWorkers and ClaimQueueSize size the queue serializer.
	ClaimWorkers   int `koanf:"claim_workers"`
	ClaimQueueSize int `koanf:"claim_queue_size"`

	// Redis lock settings, used when ClaimSerialization is redis.
	RedisAddr        string `koanf:"redis_addr"`
	RedisLockTTLMS   int    `koanf:"redis_lock_ttl_ms"`
	RedisLockRetryMS int    `koanf:"redis_lock_retry_ms"`

	// RateLimitRPS and RateLimitBurst shape the per-participant token bucket
	// on mutating routes. RateLimitRPS <= 0 disables limiting.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`

	// OTelEndpoint is the OTLP/HTTP collector URL. Empty disables tracing export.
	OTelEndpoint string `koanf:"otel_endpoint"`

	// FixturesPath names a YAML file of drops and users loaded at startup.
	FixturesPath string `koanf:"fixtures_path"`

	// MaxStandingsLimit caps GET /drops/{id}/standings?limit.
	MaxStandingsLimit int `koanf:"max_standings_limit"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		Addr:               ":9080",
		Seed:               "5d75cfcdfd3f",
		StoreDriver:        StoreMemory,
		SQLitePath:         "dropspot.db",
		StoreTimeoutMS:     2000,
		JoinMaxAttempts:    3,
		JoinRetryBackoffMS: 5,
		ClaimSerialization: SerializeMutex,
		ClaimWorkers:       runtime.NumCPU(),
		ClaimQueueSize:     1024,
		RedisAddr:          "localhost:6379",
		RedisLockTTLMS:     5000,
		RedisLockRetryMS:   10,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		MaxStandingsLimit:  100,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case len(c.Seed) < minSeedLength:
		return fmt.Errorf("%w: seed must be at least %d characters", ErrInvalidConfig, minSeedLength)
	case c.StoreTimeoutMS <= 0:
		return fmt.Errorf("%w: store_timeout_ms must be positive", ErrInvalidConfig)
	case c.MaxStandingsLimit <= 0:
		return fmt.Errorf("%w: max_standings_limit must be positive", ErrInvalidConfig)
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite_path is required for the sqlite store", ErrInvalidConfig)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}

	switch c.ClaimSerialization {
	case SerializeMutex:
	case SerializeQueue:
		if c.ClaimWorkers <= 0 || c.ClaimQueueSize <= 0 {
			return fmt.Errorf("%w: claim_workers and claim_queue_size must be positive", ErrInvalidConfig)
		}
	case SerializeRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is required for redis serialization", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown claim_serialization %q", ErrInvalidConfig, c.ClaimSerialization)
	}
	return nil
}

// Warnings reports valid settings that only hold under extra deployment
// constraints. The postgres store takes no row locks, so the capacity bound
// relies on the claim serializer: mutex and queue modes order claims inside
// one process only.
func (c *Config) Warnings() []string {
	var out []string
	if c.StoreDriver == StorePostgres && c.ClaimSerialization != SerializeRedis {
		out = append(out, fmt.Sprintf(
			"store_driver=postgres with claim_serialization=%s bounds capacity per replica only; run a single replica or use claim_serialization=redis",
			c.ClaimSerialization))
	}
	return out
}

// StoreTimeout returns StoreTimeoutMS as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// JoinRetryBackoff returns JoinRetryBackoffMS as a duration.
func (c *Config) JoinRetryBackoff() time.Duration {
	return time.Duration(c.JoinRetryBackoffMS) * time.Millisecond
}

// RedisLockTTL returns RedisLockTTLMS as a duration.
func (c *Config) RedisLockTTL() time.Duration {
	return time.Duration(c.RedisLockTTLMS) * time.Millisecond
}

// RedisLockRetry returns RedisLockRetryMS as a duration.
func (c *Config) RedisLockRetry() time.Duration {
	return time.Duration(c.RedisLockRetryMS) * time.Millisecond
}
