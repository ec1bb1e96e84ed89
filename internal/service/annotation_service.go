// Package service composes the annotation cache components behind one facade.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/cache"
	"github.com/soma-tiles/annotations/internal/config"
	"github.com/soma-tiles/annotations/internal/coordinator"
	"github.com/soma-tiles/annotations/internal/index"
	"github.com/soma-tiles/annotations/internal/mutation"
	"github.com/soma-tiles/annotations/internal/tile"
	"github.com/soma-tiles/annotations/internal/transport"
)

// Remote is the annotation server as seen by the service.
type Remote interface {
	coordinator.Fetcher
	mutation.Poster
}

// AnnotationServiceConfig contains annotation service configuration.
type AnnotationServiceConfig struct {
	Indexer   *index.Indexer
	Remote    Remote
	Responses *cache.ResponseCache

	IdleTiles        int
	FetchTimeout     time.Duration
	DropEmptyResults bool

	Logger *zap.Logger
}

// AnnotationService is the only entry point surrounding code uses. It owns
// the tile store and hands out references to the tiles callers view.
type AnnotationService struct {
	indexer   *index.Indexer
	remote    Remote
	responses *cache.ResponseCache
	store     *cache.Store
	coord     *coordinator.Coordinator
	engine    *mutation.Engine
	log       *zap.Logger

	closeOnce sync.Once
}

// NewAnnotationService creates a new annotation service.
func NewAnnotationService(cfg AnnotationServiceConfig) (*AnnotationService, error) {
	if cfg.Indexer == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("service: indexer and remote are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	store, err := cache.NewStore(cache.StoreConfig{IdleTiles: cfg.IdleTiles, Logger: log.Named("store")})
	if err != nil {
		return nil, fmt.Errorf("failed to create tile store: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:            store,
		Fetcher:          cfg.Remote,
		Logger:           log.Named("coordinator"),
		FetchTimeout:     cfg.FetchTimeout,
		DropEmptyResults: cfg.DropEmptyResults,
	})
	if err != nil {
		return nil, err
	}

	engine, err := mutation.New(mutation.Config{
		Store:       store,
		Locator:     cfg.Indexer,
		Poster:      cfg.Remote,
		Invalidator: cfg.Responses,
		Logger:      log.Named("mutation"),
	})
	if err != nil {
		return nil, err
	}

	return &AnnotationService{
		indexer:   cfg.Indexer,
		remote:    cfg.Remote,
		responses: cfg.Responses,
		store:     store,
		coord:     coord,
		engine:    engine,
		log:       log,
	}, nil
}

// NewFromConfig wires the service, its HTTP client and response cache from
// loaded configuration.
func NewFromConfig(cfg *config.Config, log *zap.Logger) (*AnnotationService, error) {
	ic, err := cfg.Pyramid.IndexConfig()
	if err != nil {
		return nil, err
	}
	indexer, err := index.New(ic)
	if err != nil {
		return nil, err
	}

	responses, err := cache.NewResponseCache(cache.Config{
		SizeMB: cfg.Cache.ResponseCacheMB,
		TTL:    cfg.Cache.ResponseTTL(),
	})
	if err != nil {
		return nil, err
	}

	var store transport.ResponseStore
	if responses != nil {
		store = responses
	}
	client, err := transport.New(transport.Config{
		BaseURL:       cfg.Server.BaseURL,
		Layer:         cfg.Server.Layer,
		Timeout:       cfg.Server.Timeout(),
		MaxConcurrent: cfg.Server.MaxConcurrentFetches,
		Responses:     store,
		Logger:        log,
	})
	if err != nil {
		responses.Close()
		return nil, err
	}

	return NewAnnotationService(AnnotationServiceConfig{
		Indexer:          indexer,
		Remote:           client,
		Responses:        responses,
		IdleTiles:        cfg.Cache.IdleTiles,
		FetchTimeout:     cfg.Server.Timeout(),
		DropEmptyResults: cfg.Cache.DropEmptyResults,
		Logger:           log,
	})
}

// RequestTiles takes one reference on every key and hands each tile's data
// to cont once it is loaded. Loaded tiles are handed over before
// RequestTiles returns. No key is requested if any key is invalid.
func (s *AnnotationService) RequestTiles(keys []tile.Key, cont coordinator.Continuation) error {
	for _, key := range keys {
		if !key.Valid() {
			return fmt.Errorf("%w: %s", tile.ErrInvalidKey, key)
		}
	}
	for _, key := range keys {
		s.store.Acquire(key)
		if err := s.coord.Request(key, cont); err != nil {
			s.store.Release(key)
			return err
		}
	}
	return nil
}

// LoadTiles requests keys and waits until each is loaded or ctx is done.
// Tiles that did not load in time are returned as pending; their
// references are held all the same.
func (s *AnnotationService) LoadTiles(ctx context.Context, keys []tile.Key) (loaded []tile.Entry, pending []tile.Key, err error) {
	for _, key := range keys {
		if !key.Valid() {
			return nil, nil, fmt.Errorf("%w: %s", tile.ErrInvalidKey, key)
		}
	}

	results := make([]chan tile.Entry, len(keys))
	for i, key := range keys {
		ch := make(chan tile.Entry, 1)
		results[i] = ch
		if err := s.RequestTiles([]tile.Key{key}, func(e tile.Entry) {
			select {
			case ch <- e:
			default:
			}
		}); err != nil {
			s.Release(keys[:i]...)
			return nil, nil, err
		}
	}

	for i, key := range keys {
		select {
		case e := <-results[i]:
			loaded = append(loaded, e)
			continue
		case <-ctx.Done():
		}
		// Tiles that loaded empty with callers dropped are still resident.
		if e, ok := s.store.Entry(key); ok {
			loaded = append(loaded, e)
			continue
		}
		pending = append(pending, key)
	}
	return loaded, pending, nil
}

// SubmitMutation decodes and applies a mutation of the given kind.
func (s *AnnotationService) SubmitMutation(ctx context.Context, kind string, payload json.RawMessage) error {
	m, err := annotation.DecodeMutation(kind, payload)
	if err != nil {
		return err
	}
	return s.Apply(ctx, m)
}

// Apply edits the resident tiles and forwards m to the server.
func (s *AnnotationService) Apply(ctx context.Context, m annotation.Mutation) error {
	return s.engine.Apply(ctx, m)
}

// Release drops one reference on every key.
func (s *AnnotationService) Release(keys ...tile.Key) {
	for _, key := range keys {
		s.store.Release(key)
	}
}

// Invalidate discards the loaded data and cached responses of keys so the
// next request fetches them from the server.
func (s *AnnotationService) Invalidate(keys ...tile.Key) {
	for _, key := range keys {
		if s.store.Drop(key) {
			s.log.Debug("invalidated tile", zap.Stringer("tile", key))
		}
	}
	s.responses.Invalidate(keys...)
}

// Deliver hands tile data received outside a fetch to the coordinator.
func (s *AnnotationService) Deliver(p tile.Payload) error {
	return s.coord.Deliver(p)
}

// Locate returns the tile/bin slots of a.
func (s *AnnotationService) Locate(a annotation.Annotation) []tile.Location {
	return s.indexer.Locate(a)
}

// Status returns the load status of key.
func (s *AnnotationService) Status(key tile.Key) cache.Status {
	return s.store.Status(key)
}

// Entry returns a snapshot of a loaded tile.
func (s *AnnotationService) Entry(key tile.Key) (tile.Entry, bool) {
	return s.store.Entry(key)
}

// Resident returns the keys of all loaded tiles.
func (s *AnnotationService) Resident() []tile.Key {
	return s.store.Resident()
}

// Wait blocks until outstanding fetches and mutation posts have finished.
func (s *AnnotationService) Wait() {
	s.coord.Wait()
	s.engine.Wait()
}

// Stats returns statistics of every component.
func (s *AnnotationService) Stats() map[string]interface{} {
	out := make(map[string]interface{})
	for _, m := range []map[string]interface{}{
		s.store.Stats(),
		s.coord.Stats(),
		s.engine.Stats(),
		s.responses.Stats(),
	} {
		for k, v := range m {
			out[k] = v
		}
	}
	out["levels"] = s.indexer.Levels()
	return out
}

// Close waits for in-flight work and releases resources.
func (s *AnnotationService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Wait()
		if c, ok := s.remote.(interface{ Close() }); ok {
			c.Close()
		}
		err = s.responses.Close()
	})
	if err != nil {
		return fmt.Errorf("close response cache: %w", err)
	}
	return nil
}
