package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetLatestScore retrieves the cached latest score snapshot for a
	// business. Returns nil, nil on miss.
	GetLatestScore(ctx context.Context, tenantID string, businessID string) (*ScoreSnapshot, error)

	// SetLatestScore caches the latest score snapshot for a business.
	SetLatestScore(ctx context.Context, tenantID string, businessID string, snap *ScoreSnapshot, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used for per-category alert rate limiting:
	// the first increment in a window returns 1.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// DecrementCounter undoes one increment within the current window,
	// releasing a rate-limit slot claimed by work that was rolled back.
	// A missing or expired counter is a no-op.
	DecrementCounter(ctx context.Context, tenantID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
