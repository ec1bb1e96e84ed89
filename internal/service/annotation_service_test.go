package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/cache"
	"github.com/soma-tiles/annotations/internal/index"
	"github.com/soma-tiles/annotations/internal/testutil"
	"github.com/soma-tiles/annotations/internal/tile"
	"github.com/soma-tiles/annotations/internal/transport"
)

const layer = "cells"

var (
	key423 = tile.Key{Level: 4, X: 2, Y: 3}
	key546 = tile.Key{Level: 5, X: 4, Y: 6}
)

// marker sits in tile 4,2,3 bin "1,2" and tile 5,4,6 bin "2,1" of a 16x16
// linear pyramid with 4x4 bins.
func marker() annotation.Annotation {
	return annotation.Annotation{X: 2.25, Y: 3.25, Priority: 0, Data: annotation.Data{Title: "t", Comment: "c"}}
}

type options struct {
	idleTiles     int
	responseCache bool
	dropEmpty     bool
}

func newService(t *testing.T, srv *testutil.Server, opts options) *AnnotationService {
	t.Helper()

	indexer, err := index.New(index.Config{
		Pyramid: index.Linear{Bounds: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{16, 16}}},
		Levels:  []int{4, 5},
		XBins:   4,
		YBins:   4,
	})
	require.NoError(t, err)

	var responses *cache.ResponseCache
	var store transport.ResponseStore
	if opts.responseCache {
		responses, err = cache.NewResponseCache(cache.Config{SizeMB: 16, TTL: time.Minute})
		require.NoError(t, err)
		store = responses
	}

	client, err := transport.New(transport.Config{BaseURL: srv.URL, Layer: layer, Timeout: 5 * time.Second, Responses: store})
	require.NoError(t, err)

	svc, err := NewAnnotationService(AnnotationServiceConfig{
		Indexer:          indexer,
		Remote:           client,
		Responses:        responses,
		IdleTiles:        opts.idleTiles,
		FetchTimeout:     5 * time.Second,
		DropEmptyResults: opts.dropEmpty,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

type collector struct {
	mu      sync.Mutex
	entries []tile.Entry
}

func (c *collector) add(e tile.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *collector) all() []tile.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tile.Entry(nil), c.entries...)
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	srv.SetTile(layer, key423, tile.Bins{"b1": {{X: 1, Y: 1, Priority: 0, Data: annotation.Data{Title: "t", Comment: "c"}}}})
	release := srv.Hold()
	defer release()

	svc := newService(t, srv, options{idleTiles: 8})

	var first, second, third collector
	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, first.add))
	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, second.add))
	assert.Equal(t, cache.StatusLoading, svc.Status(key423))

	release()
	svc.Wait()

	assert.Equal(t, cache.StatusLoaded, svc.Status(key423))
	require.Len(t, first.all(), 1)
	require.Len(t, second.all(), 1)
	if diff := cmp.Diff(first.all()[0], second.all()[0]); diff != "" {
		t.Fatalf("callers saw different data (-first +second):\n%s", diff)
	}
	list, ok := first.all()[0].Bin("b1")
	require.True(t, ok)
	assert.Equal(t, "t", list[0].Data.Title)

	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, third.add))
	require.Len(t, third.all(), 1, "loaded tile resolves before RequestTiles returns")
	assert.Equal(t, 1, srv.Gets(key423), "exactly one fetch")
	assert.Equal(t, 1, svc.Stats()["hits"])
}

func TestRemoveOnPartiallyResidentTilesStillPosts(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	srv.SetTile(layer, key423, tile.Bins{"1,2": {marker()}, "0,0": {{X: 2.1, Y: 3.9, Data: annotation.Data{Title: "keep"}}}})
	svc := newService(t, srv, options{idleTiles: 8})

	require.Equal(t, []tile.Location{{Tile: key423, Bin: "1,2"}, {Tile: key546, Bin: "2,1"}}, svc.Locate(marker()))

	loaded, pending, err := svc.LoadTiles(context.Background(), []tile.Key{key423})
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Len(t, loaded, 1)

	body, err := json.Marshal(marker())
	require.NoError(t, err)
	require.NoError(t, svc.SubmitMutation(context.Background(), "REMOVE", body))
	svc.Wait()

	entry, ok := svc.Entry(key423)
	require.True(t, ok)
	_, ok = entry.Bin("1,2")
	assert.False(t, ok, "emptied bin is deleted")
	assert.Equal(t, 1, entry.Len())
	assert.Equal(t, cache.StatusAbsent, svc.Status(key546), "non-resident tile is not created")

	posts := srv.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "remove", posts[0].Type)
	assert.Equal(t, layer, posts[0].Layer)
}

func TestMutationInvalidatesCachedResponse(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	srv.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})
	svc := newService(t, srv, options{idleTiles: 0, responseCache: true})

	reload := func() {
		t.Helper()
		_, pending, err := svc.LoadTiles(context.Background(), []tile.Key{key423})
		require.NoError(t, err)
		require.Empty(t, pending)
		svc.Release(key423)
		assert.Equal(t, cache.StatusAbsent, svc.Status(key423), "released tile is evicted at once")
	}

	reload()
	reload()
	assert.Equal(t, 1, srv.Gets(key423), "evicted tile is reloaded from the response cache")

	updated := marker()
	updated.Data.Comment = "edited"
	require.NoError(t, svc.Apply(context.Background(), annotation.Modify(marker(), updated)))
	svc.Wait()

	reload()
	assert.Equal(t, 2, srv.Gets(key423), "tiles touched by a mutation are fetched again")
}

func TestMutationDuringFetchDoesNotCacheOlderResponse(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	release := srv.Hold()
	defer release()
	svc := newService(t, srv, options{idleTiles: 0, responseCache: true})

	var c collector
	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, c.add))
	require.Eventually(t, func() bool { return srv.Gets(key423) == 1 }, 5*time.Second, 5*time.Millisecond)

	// The tile is still loading, so the write only reaches the server.
	require.NoError(t, svc.Apply(context.Background(), annotation.Write(marker())))
	release()
	svc.Wait()

	require.Len(t, c.all(), 1)
	assert.True(t, c.all()[0].Empty(), "the fetch answered before the server applied the write")
	srv.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})

	svc.Release(key423)
	require.Equal(t, cache.StatusAbsent, svc.Status(key423))

	loaded, pending, err := svc.LoadTiles(context.Background(), []tile.Key{key423})
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Len(t, loaded, 1)
	assert.Equal(t, 2, srv.Gets(key423), "cold request goes to the server")
	list, ok := loaded[0].Bin("1,2")
	require.True(t, ok)
	assert.True(t, marker().Equal(list[0]))
}

func TestReleaseEvictsLeastRecentlyIdleTile(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	srv.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})
	srv.SetTile(layer, key546, tile.Bins{"2,1": {marker()}})
	svc := newService(t, srv, options{idleTiles: 1})

	_, _, err := svc.LoadTiles(context.Background(), []tile.Key{key423, key546})
	require.NoError(t, err)
	assert.Equal(t, []tile.Key{key423, key546}, svc.Resident())

	svc.Release(key423)
	svc.Release(key546)
	assert.Equal(t, []tile.Key{key546}, svc.Resident())

	svc.Release(key546)
	assert.Equal(t, []tile.Key{key546}, svc.Resident(), "extra release is ignored")
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	srv.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})
	svc := newService(t, srv, options{idleTiles: 8, responseCache: true})

	_, _, err := svc.LoadTiles(context.Background(), []tile.Key{key423})
	require.NoError(t, err)

	svc.Invalidate(key423)
	assert.Equal(t, cache.StatusAbsent, svc.Status(key423))

	var c collector
	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, c.add))
	svc.Wait()
	assert.Len(t, c.all(), 1)
	assert.Equal(t, 2, srv.Gets(key423))
}

func TestLoadTilesReportsPendingOnTimeout(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	release := srv.Hold()
	defer release()
	svc := newService(t, srv, options{idleTiles: 8})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	loaded, pending, err := svc.LoadTiles(ctx, []tile.Key{key423})
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, []tile.Key{key423}, pending)

	release()
	svc.Wait()
	assert.Equal(t, cache.StatusLoaded, svc.Status(key423))
}

func TestLoadTilesReturnsDroppedEmptyTiles(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	svc := newService(t, srv, options{idleTiles: 8, dropEmpty: true})

	var c collector
	require.NoError(t, svc.RequestTiles([]tile.Key{key423}, c.add))
	svc.Wait()
	assert.Empty(t, c.all(), "empty tile does not notify callers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	loaded, pending, err := svc.LoadTiles(ctx, []tile.Key{key423})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "loaded empty tile resolves without waiting out the deadline")
	assert.Empty(t, pending)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].Empty())
}

func TestRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	svc := newService(t, srv, options{idleTiles: 8})

	err := svc.RequestTiles([]tile.Key{key423, {Level: -1}}, func(tile.Entry) {})
	assert.ErrorIs(t, err, tile.ErrInvalidKey)
	assert.Equal(t, 0, srv.Gets(key423), "no key is requested when one is invalid")

	err = svc.SubmitMutation(context.Background(), "upsert", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, annotation.ErrUnknownKind)

	err = svc.SubmitMutation(context.Background(), "write", json.RawMessage(`{"x":1}`))
	assert.ErrorIs(t, err, annotation.ErrInvalid)

	svc.Wait()
	assert.Empty(t, srv.Posts())
}

func TestStatsMergesComponents(t *testing.T) {
	t.Parallel()

	srv := testutil.NewServer(t)
	svc := newService(t, srv, options{idleTiles: 8})

	stats := svc.Stats()
	for _, k := range []string{"tiles_loaded", "fetches", "mutations_posted", "response_cache_enabled", "levels"} {
		assert.Contains(t, stats, k)
	}
	assert.Equal(t, false, stats["response_cache_enabled"])
}
