// Package client keeps a gateway token on the client side: a persisted cache
// of the last issued token and a scheduler that renews it before expiry.
package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/live-gateway/pkg/clock"
)

// DefaultCacheKey is the KV key the token record is stored under.
const DefaultCacheKey = "live_gateway_token"

// Info is the cached token record.
type Info struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	MaxSessions int       `json:"maxSessions"`
	MaxMessages int       `json:"maxMessages"`
	TokenID     string    `json:"tokenId,omitempty"`
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Key    string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Cache persists the last issued token. A record that cannot be read or has
// expired is cleared and reported as absent.
type Cache struct {
	kv     KV
	key    string
	clock  clock.Clock
	logger *slog.Logger
}

// NewCache creates a Cache over kv.
func NewCache(kv KV, cfg CacheConfig) *Cache {
	if cfg.Key == "" {
		cfg.Key = DefaultCacheKey
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{kv: kv, key: cfg.Key, clock: cfg.Clock, logger: cfg.Logger}
}

// Store persists info, replacing any previous record.
func (c *Cache) Store(info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding token info: %w", err)
	}
	if err := c.kv.Set(c.key, data); err != nil {
		return fmt.Errorf("storing token info: %w", err)
	}
	return nil
}

// GetInfo returns the cached record when present and unexpired.
func (c *Cache) GetInfo() (*Info, bool) {
	data, ok, err := c.kv.Get(c.key)
	if err != nil {
		c.logger.Warn("client: reading cached token failed, clearing", "error", err)
		c.clearQuietly()
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.Token == "" {
		c.logger.Warn("client: cached token is corrupt, clearing", "error", err)
		c.clearQuietly()
		return nil, false
	}

	if !c.clock.Now().Before(info.ExpiresAt) {
		c.clearQuietly()
		return nil, false
	}
	return &info, true
}

// Clear removes the cached record.
func (c *Cache) Clear() error {
	if err := c.kv.Delete(c.key); err != nil {
		return fmt.Errorf("clearing token info: %w", err)
	}
	return nil
}

// IsValid reports whether an unexpired token is cached.
func (c *Cache) IsValid() bool {
	_, ok := c.GetInfo()
	return ok
}

// TimeUntilExpiration returns the cached token's remaining lifetime, or zero
// when none is cached.
func (c *Cache) TimeUntilExpiration() time.Duration {
	info, ok := c.GetInfo()
	if !ok {
		return 0
	}
	return info.ExpiresAt.Sub(c.clock.Now())
}

func (c *Cache) clearQuietly() {
	if err := c.Clear(); err != nil {
		c.logger.Warn("client: clearing cached token failed", "error", err)
	}
}
