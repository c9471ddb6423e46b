// Package core defines the ports of the settlement pipeline and small services built only on them.
package core

import (
	"context"
	"strings"
	"time"
)

// CacheRepository defines the interface for caching operations.
// The core defines the interface and the data layer provides implementations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// DedupGuard short-circuits repeated deliveries of the same message within a TTL.
// It is advisory: callers still rely on database constraints for correctness.
type DedupGuard struct {
	cache  CacheRepository
	prefix string
	ttl    time.Duration
}

// DedupGuardOptions bundles dependencies for NewDedupGuard.
type DedupGuardOptions struct {
	Cache  CacheRepository
	Prefix string
	TTL    time.Duration
}

// DefaultDedupTTL is used when no TTL is configured.
const DefaultDedupTTL = 10 * time.Minute

// NewDedupGuard creates a DedupGuard. A nil cache yields a guard that never deduplicates.
func NewDedupGuard(opts DedupGuardOptions) *DedupGuard {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	prefix := strings.TrimSuffix(opts.Prefix, ":")
	if prefix == "" {
		prefix = "dedup"
	}
	return &DedupGuard{cache: opts.Cache, prefix: prefix, ttl: ttl}
}

// FirstSeen records key and reports whether this is its first sighting within the TTL.
func (g *DedupGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	if g == nil || g.cache == nil || key == "" {
		return true, nil
	}
	return g.cache.SetIfNotExists(ctx, g.key(key), []byte("1"), g.ttl)
}

// Forget clears key so a later delivery is processed again.
func (g *DedupGuard) Forget(ctx context.Context, key string) error {
	if g == nil || g.cache == nil || key == "" {
		return nil
	}
	_, err := g.cache.Delete(ctx, g.key(key))
	return err
}

func (g *DedupGuard) key(k string) string {
	return g.prefix + ":" + k
}
