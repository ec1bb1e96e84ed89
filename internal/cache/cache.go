// Package cache holds client-resident annotation tiles and raw tile responses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/soma-tiles/annotations/internal/tile"
)

// Config contains response cache configuration.
type Config struct {
	SizeMB int
	TTL    time.Duration
}

// ErrStale is returned by Set when the key was invalidated after the
// response was requested.
var ErrStale = errors.New("response is stale")

// ResponseCache keeps raw tile responses so that a tile evicted from the
// Store can be reloaded without a round trip while the response is fresh.
// A nil *ResponseCache is valid and caches nothing.
//
// Every key carries a generation that Invalidate bumps. A response is only
// stored under the generation that was current when it was requested.
type ResponseCache struct {
	tiles *bigcache.BigCache

	mu   sync.Mutex
	gens map[tile.Key]uint64
}

// NewResponseCache creates a response cache, or returns nil when cfg.SizeMB is zero.
func NewResponseCache(cfg Config) (*ResponseCache, error) {
	if cfg.SizeMB <= 0 {
		return nil, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}

	tileCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	tiles, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	return &ResponseCache{tiles: tiles, gens: make(map[tile.Key]uint64)}, nil
}

// Get returns the cached response body for key.
func (c *ResponseCache) Get(key tile.Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.tiles.Get(key.String())
	if err != nil {
		return nil, false
	}
	return data, true
}

// Generation returns the current generation of key. Take it before
// requesting the response that will be passed to Set.
func (c *ResponseCache) Generation(key tile.Key) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// Set stores the response body for key unless key was invalidated since gen
// was taken, in which case it returns ErrStale.
func (c *ResponseCache) Set(key tile.Key, gen uint64, data []byte) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return ErrStale
	}
	return c.tiles.Set(key.String(), data)
}

// Invalidate removes the cached responses for keys and bumps their
// generation.
func (c *ResponseCache) Invalidate(keys ...tile.Key) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.gens[k]++
		// ErrEntryNotFound is the only error Delete returns.
		_ = c.tiles.Delete(k.String())
	}
}

// Stats returns cache statistics.
func (c *ResponseCache) Stats() map[string]interface{} {
	if c == nil {
		return map[string]interface{}{"response_cache_enabled": false}
	}
	st := c.tiles.Stats()
	return map[string]interface{}{
		"response_cache_enabled": true,
		"response_cache_len":     c.tiles.Len(),
		"response_cache_cap":     c.tiles.Capacity(),
		"response_cache_hits":    st.Hits,
		"response_cache_misses":  st.Misses,
	}
}

// Close releases the cache.
func (c *ResponseCache) Close() error {
	if c == nil {
		return nil
	}
	return c.tiles.Close()
}
