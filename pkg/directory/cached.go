package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	cacheNumCounters = 1e5
	cacheMaxCost     = 1 << 14
	cacheBufferItems = 64
)

// Cached fronts a Directory with a TTL cache. Only successful lookups are
// cached, so a user added to the directory becomes visible immediately.
type Cached struct {
	inner Directory
	ttl   time.Duration
	cache *ristretto.Cache[string, *User]
}

// NewCached wraps inner with a cache whose entries live for ttl.
func NewCached(inner Directory, ttl time.Duration) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *User]{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}
	return &Cached{inner: inner, ttl: ttl, cache: cache}, nil
}

// Lookup serves from the cache, falling back to the wrapped directory.
func (c *Cached) Lookup(ctx context.Context, id string) (*User, error) {
	if u, ok := c.cache.Get(id); ok {
		out := *u
		return &out, nil
	}

	u, err := c.inner.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	stored := *u
	c.cache.SetWithTTL(id, &stored, 1, c.ttl)
	c.cache.Wait()
	return u, nil
}

// Close releases the cache.
func (c *Cached) Close() error {
	c.cache.Close()
	return nil
}

// Verify interface compliance.
var _ Directory = (*Cached)(nil)
