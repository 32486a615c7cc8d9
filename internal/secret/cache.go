package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds how long a resolved secret may be reused before the
// backing store is consulted again.
const DefaultCacheTTL = 5 * time.Minute

// CachedResolver decorates a Resolver with TTL caching so hot-path lookups
// (registry reloads, probe restarts) do not hammer the secret backend.
type CachedResolver struct {
	inner Resolver
	cache *cache.Cache
}

// NewCachedResolver wraps inner with a TTL cache. Non-positive TTLs fall
// back to DefaultCacheTTL.
func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Resolve returns a cached value or delegates to the inner resolver.
// Failures are never cached.
func (c *CachedResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if val, found := c.cache.Get(ref); found {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}

	val, err := c.inner.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	c.cache.Set(ref, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the inner resolver.
func (c *CachedResolver) Close() error {
	return c.inner.Close()
}
