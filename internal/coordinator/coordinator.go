// Package coordinator deduplicates tile fetches and fans results out to every
// caller waiting on a tile.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/cache"
	"github.com/soma-tiles/annotations/internal/tile"
)

var (
	// ErrOutOfSync is returned when tile data arrives for a tile nobody is waiting on.
	ErrOutOfSync = errors.New("tile data received out of sync")
	// ErrIndexMismatch is returned when a fetch is answered with another tile's data.
	ErrIndexMismatch = errors.New("tile index mismatch")
)

// Fetcher loads one tile from the server.
type Fetcher interface {
	Fetch(ctx context.Context, key tile.Key) (tile.Payload, error)
}

// Continuation receives the data of a requested tile. It may be invoked on a
// fetch goroutine and must tolerate being called after its caller lost interest.
type Continuation func(tile.Entry)

// Config contains coordinator configuration.
type Config struct {
	Store   *cache.Store
	Fetcher Fetcher
	Logger  *zap.Logger

	// FetchTimeout bounds a single fetch. Zero means no timeout.
	FetchTimeout time.Duration

	// DropEmptyResults skips the continuations of a tile that loads with no
	// bins instead of invoking them with an empty entry. Requests for a tile
	// that is already loaded resolve either way.
	DropEmptyResults bool
}

// Coordinator tracks, per tile, whether it is absent, loading or loaded and
// guarantees at most one outstanding fetch per tile.
type Coordinator struct {
	store     *cache.Store
	fetcher   Fetcher
	log       *zap.Logger
	timeout   time.Duration
	dropEmpty bool

	mu      sync.Mutex
	pending map[tile.Key][]Continuation
	wg      sync.WaitGroup

	fetches     int
	hits        int
	fetchErrors int
	outOfSync   int
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("coordinator: fetcher is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		log:       log,
		timeout:   cfg.FetchTimeout,
		dropEmpty: cfg.DropEmptyResults,
		pending:   make(map[tile.Key][]Continuation),
	}, nil
}

// Request asks for the data of key. A loaded tile is handed to cont before
// Request returns. Otherwise cont is queued and invoked, in request order,
// when the single outstanding fetch for key completes.
func (c *Coordinator) Request(key tile.Key, cont Continuation) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", tile.ErrInvalidKey, key)
	}

	c.mu.Lock()

	if entry, ok := c.store.Entry(key); ok {
		c.hits++
		c.mu.Unlock()
		c.invoke(entry, []Continuation{cont})
		return nil
	}

	if queue, ok := c.pending[key]; ok {
		c.pending[key] = append(queue, cont)
		c.mu.Unlock()
		return nil
	}

	c.pending[key] = []Continuation{cont}
	c.store.SetStatus(key, cache.StatusLoading)
	c.fetches++
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("fetching tile", zap.Stringer("tile", key))
	go c.fetch(key)
	return nil
}

// Deliver stores tile data pushed to the client and resolves the callers
// waiting on it. Data for a tile with no waiting callers is reported as
// ErrOutOfSync; non-empty data is stored anyway.
func (c *Coordinator) Deliver(p tile.Payload) error {
	return c.deliver(p.Index, p)
}

// Pending returns how many continuations are queued on key.
func (c *Coordinator) Pending(key tile.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[key])
}

// Wait blocks until every outstanding fetch has completed and its
// continuations have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Stats returns coordinator statistics.
func (c *Coordinator) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"fetches":      c.fetches,
		"hits":         c.hits,
		"fetch_errors": c.fetchErrors,
		"out_of_sync":  c.outOfSync,
		"in_flight":    len(c.pending),
	}
}

func (c *Coordinator) fetch(key tile.Key) {
	defer c.wg.Done()

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p, err := c.fetcher.Fetch(ctx, key)
	if err == nil && p.Index != key {
		err = fmt.Errorf("%w: requested %s, received %s", ErrIndexMismatch, key, p.Index)
	}
	if err != nil {
		c.fail(key, err)
		return
	}

	if err := c.deliver(key, p); err != nil {
		c.log.Error("tile delivery failed", zap.Stringer("tile", key), zap.Error(err))
	}
}

func (c *Coordinator) deliver(key tile.Key, p tile.Payload) error {
	c.mu.Lock()
	queue, ok := c.pending[key]
	delete(c.pending, key)

	if !ok {
		c.outOfSync++
		if len(p.Data) > 0 {
			c.store.Set(key, p.Data)
		}
		c.mu.Unlock()
		c.log.Error("received annotation data out of sync", zap.Stringer("tile", key), zap.Int("bins", len(p.Data)))
		return fmt.Errorf("%w: %s", ErrOutOfSync, key)
	}

	entry := c.store.Set(key, p.Data)
	c.mu.Unlock()

	if entry.Empty() && c.dropEmpty {
		c.log.Debug("tile loaded empty, callers not notified", zap.Stringer("tile", key), zap.Int("callers", len(queue)))
		return nil
	}

	c.log.Debug("tile loaded", zap.Stringer("tile", key), zap.Int("bins", len(entry.Bins)), zap.Int("callers", len(queue)))
	c.invoke(entry, queue)
	return nil
}

// fail returns key to absent so the next request starts a fresh fetch.
func (c *Coordinator) fail(key tile.Key, err error) {
	c.mu.Lock()
	queue := c.pending[key]
	delete(c.pending, key)
	if c.store.Status(key) == cache.StatusLoading {
		c.store.SetStatus(key, cache.StatusAbsent)
	}
	c.fetchErrors++
	c.mu.Unlock()

	c.log.Warn("tile fetch failed", zap.Stringer("tile", key), zap.Int("dropped_callers", len(queue)), zap.Error(err))
}

// invoke runs conts in order. The queue has already been detached from the
// pending table, so a continuation may request the same tile again.
func (c *Coordinator) invoke(entry tile.Entry, conts []Continuation) {
	for _, cont := range conts {
		if cont != nil {
			cont(entry)
		}
	}
}
