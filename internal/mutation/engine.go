// Package mutation applies annotation edits to resident tiles and forwards
// them to the server.
package mutation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/cache"
	"github.com/soma-tiles/annotations/internal/index"
	"github.com/soma-tiles/annotations/internal/tile"
)

// Locator finds the tile/bin slots of an annotation.
type Locator interface {
	Locate(a annotation.Annotation) []tile.Location
}

// Poster sends a mutation to the server.
type Poster interface {
	Post(ctx context.Context, m annotation.Mutation) error
}

// Invalidator forgets anything cached about tiles outside the Store.
type Invalidator interface {
	Invalidate(keys ...tile.Key)
}

// Config contains mutation engine configuration.
type Config struct {
	Store       *cache.Store
	Locator     Locator
	Poster      Poster
	Invalidator Invalidator
	Logger      *zap.Logger
}

// Engine applies mutations optimistically to the tile store. The server is
// told about every mutation, whether or not any resident tile changed; its
// answer is logged and never reconciled with the store.
type Engine struct {
	store       *cache.Store
	locator     Locator
	poster      Poster
	invalidator Invalidator
	log         *zap.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	posted int
	failed int
}

// New creates a mutation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Locator == nil || cfg.Poster == nil {
		return nil, fmt.Errorf("mutation: store, locator and poster are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:       cfg.Store,
		locator:     cfg.Locator,
		poster:      cfg.Poster,
		invalidator: cfg.Invalidator,
		log:         log,
	}, nil
}

// Apply edits the resident tiles and forwards m to the server in the
// background. ctx only scopes the forwarded request.
func (e *Engine) Apply(ctx context.Context, m annotation.Mutation) error {
	var touched []tile.Location
	switch m.Kind {
	case annotation.KindWrite:
		touched = e.write(m.Annotation)
	case annotation.KindRemove:
		touched = e.remove(m.Annotation)
	case annotation.KindModify:
		touched = append(e.remove(m.Old), e.write(m.New)...)
	default:
		return fmt.Errorf("%w: %q", annotation.ErrUnknownKind, m.Kind)
	}

	keys := index.TileKeys(touched)
	e.invalidate(keys)

	e.wg.Add(1)
	go e.forward(context.WithoutCancel(ctx), m, keys)
	return nil
}

func (e *Engine) invalidate(keys []tile.Key) {
	if e.invalidator != nil {
		e.invalidator.Invalidate(keys...)
	}
}

// Wait blocks until every forwarded mutation has been answered.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"mutations_posted": e.posted,
		"mutations_failed": e.failed,
	}
}

// write adds a to every resident tile it falls into and returns every slot
// it maps to.
func (e *Engine) write(a annotation.Annotation) []tile.Location {
	locs := e.locator.Locate(a)
	for _, loc := range locs {
		if e.store.Append(loc, a) {
			e.log.Debug("added annotation", zap.Stringer("tile", loc.Tile), zap.String("bin", string(loc.Bin)))
		}
	}
	return locs
}

// remove deletes a from every resident bin holding it and returns every slot
// it maps to.
func (e *Engine) remove(a annotation.Annotation) []tile.Location {
	locs := e.locator.Locate(a)
	for _, loc := range locs {
		switch e.store.Remove(loc, a) {
		case cache.Removed:
			e.log.Debug("removed annotation", zap.Stringer("tile", loc.Tile), zap.String("bin", string(loc.Bin)))
		case cache.RemoveNotFound:
			e.log.Info("annotation not found in bin", zap.Stringer("tile", loc.Tile), zap.String("bin", string(loc.Bin)))
		}
	}
	return locs
}

// forward posts m and then invalidates keys again: a fetch that ran while
// the post was in flight may have cached the server's older answer.
func (e *Engine) forward(ctx context.Context, m annotation.Mutation, keys []tile.Key) {
	defer e.wg.Done()

	err := e.poster.Post(ctx, m)
	e.invalidate(keys)

	e.mu.Lock()
	if err != nil {
		e.failed++
	} else {
		e.posted++
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error("mutation post failed", zap.String("type", string(m.Kind)), zap.Error(err))
		return
	}
	e.log.Debug("mutation posted", zap.String("type", string(m.Kind)))
}
