package domain

import (
	"context"
	"time"
)

// Cache keeps model signals per tenant and transaction id so a repeated
// transaction does not go back to the model layer. Community runs an
// in-process LRU; Pro shares signals across nodes through Redis.
type Cache interface {
	// GetSignal returns nil, nil on a miss.
	GetSignal(ctx context.Context, tenantID string, txID string) (*ModelSignal, error)

	SetSignal(ctx context.Context, tenantID string, txID string, sig *ModelSignal, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `env:"KESTREL_CACHE"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `env:"KESTREL_CACHE_LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `env:"KESTREL_CACHE_LOCAL_TTL"`

	// Redis settings (Pro tier). RedisURL, when set, replaces the fields
	// after it.
	RedisURL      string `env:"KESTREL_REDIS_URL"`
	RedisAddr     string `env:"KESTREL_REDIS_ADDR"`
	RedisPassword string `env:"KESTREL_REDIS_PASSWORD"`
	RedisDB       int    `env:"KESTREL_REDIS_DB"`

	// EnableTwoPhase fronts Redis with the local LRU.
	EnableTwoPhase bool `env:"KESTREL_CACHE_TWO_PHASE"`

	// SignalTTL bounds how long a model signal is reused.
	SignalTTL time.Duration `env:"KESTREL_SIGNAL_TTL"`
}
