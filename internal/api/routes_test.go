package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/cache"
	"github.com/soma-tiles/annotations/internal/index"
	"github.com/soma-tiles/annotations/internal/service"
	"github.com/soma-tiles/annotations/internal/testutil"
	"github.com/soma-tiles/annotations/internal/tile"
	"github.com/soma-tiles/annotations/internal/transport"
)

const layer = "cells"

var key423 = tile.Key{Level: 4, X: 2, Y: 3}

func marker() annotation.Annotation {
	return annotation.Annotation{X: 2.25, Y: 3.25, Priority: 1, Data: annotation.Data{Title: "t", Comment: "c"}}
}

// testBridge holds the bridge server and the annotation server behind it.
type testBridge struct {
	server   *httptest.Server
	upstream *testutil.Server
	svc      *service.AnnotationService
}

func setupBridge(t *testing.T, wait time.Duration) *testBridge {
	t.Helper()

	upstream := testutil.NewServer(t)

	indexer, err := index.New(index.Config{
		Pyramid: index.Linear{Bounds: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{16, 16}}},
		Levels:  []int{4, 5},
		XBins:   4,
		YBins:   4,
	})
	require.NoError(t, err)

	client, err := transport.New(transport.Config{BaseURL: upstream.URL, Layer: layer, Timeout: 5 * time.Second})
	require.NoError(t, err)

	svc, err := service.NewAnnotationService(service.AnnotationServiceConfig{
		Indexer:      indexer,
		Remote:       client,
		IdleTiles:    8,
		FetchTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	server := httptest.NewServer(NewRouter(RouterConfig{
		Service:     svc,
		CORSOrigins: []string{"http://localhost:5173"},
		WaitTimeout: wait,
	}))
	t.Cleanup(func() {
		server.Close()
		svc.Close()
	})

	return &testBridge{server: server, upstream: upstream, svc: svc}
}

func (b *testBridge) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(b.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (b *testBridge) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(b.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)
	status, body := b.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))
}

func TestTilesEndpoint(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, 2*time.Second)
	b.upstream.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})

	status, body := b.get(t, "/tiles?key=4,2,3&key=5,4,6")
	require.Equal(t, http.StatusOK, status, string(body))

	var resp TilesResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Tiles, 2)
	assert.Empty(t, resp.Pending)

	assert.Equal(t, key423, resp.Tiles[0].Key)
	list := resp.Tiles[0].Data["1,2"]
	require.Len(t, list, 1)
	assert.True(t, marker().Equal(list[0]))
	assert.Empty(t, resp.Tiles[1].Data, "empty tile resolves with no bins")

	assert.Equal(t, 2, b.svc.Stats()["fetches"], "one fetch per tile")
}

func TestTilesEndpointReportsPending(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, 50*time.Millisecond)
	release := b.upstream.Hold()
	defer release()

	status, body := b.get(t, "/tiles?key=4,2,3")
	require.Equal(t, http.StatusOK, status)

	var resp TilesResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Empty(t, resp.Tiles)
	assert.Equal(t, []tile.Key{key423}, resp.Pending)

	release()
	b.svc.Wait()
}

func TestTilesEndpointRejectsBadKeys(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)
	for _, path := range []string{"/tiles", "/tiles?key=4,2", "/tiles?key=-1,0,0", "/tiles?key=a,b,c"} {
		status, _ := b.get(t, path)
		assert.Equal(t, http.StatusBadRequest, status, path)
	}
}

func TestMutationsEndpoint(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, 2*time.Second)
	b.upstream.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})

	status, _ := b.get(t, "/tiles?key=4,2,3")
	require.Equal(t, http.StatusOK, status)

	body, err := json.Marshal(MutationRequest{Type: "remove", Annotation: mustJSON(t, marker())})
	require.NoError(t, err)
	status, out := b.post(t, "/mutations", string(body))
	assert.Equal(t, http.StatusAccepted, status, string(out))

	b.svc.Wait()
	entry, ok := b.svc.Entry(key423)
	require.True(t, ok)
	assert.True(t, entry.Empty())

	posts := b.upstream.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "remove", posts[0].Type)
}

func TestMutationsEndpointRejectsBadInput(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"upsert","annotation":{}}`},
		{"bad annotation", `{"type":"write","annotation":{"x":"one"}}`},
		{"modify without new", `{"type":"modify","annotation":{"old":{"x":1,"y":1,"priority":0,"data":{"title":"t","comment":"c"}}}}`},
		{"unknown field", `{"type":"write","annotation":{},"layer":"x"}`},
	}
	for _, tt := range tests {
		status, _ := b.post(t, "/mutations", tt.body)
		assert.Equal(t, http.StatusBadRequest, status, tt.name)
	}
	b.svc.Wait()
	assert.Empty(t, b.upstream.Posts())
}

func TestReleaseAndInvalidateEndpoints(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, 2*time.Second)
	b.upstream.SetTile(layer, key423, tile.Bins{"1,2": {marker()}})

	status, _ := b.get(t, "/tiles?key=4,2,3")
	require.Equal(t, http.StatusOK, status)

	status, _ = b.post(t, "/tiles/invalidate", `{"keys":["4,2,3"]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, cache.StatusAbsent, b.svc.Status(key423))

	status, _ = b.get(t, "/tiles?key=4,2,3")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, b.upstream.Gets(key423), "invalidated tile is fetched again")

	status, out := b.post(t, "/tiles/release", `{"keys":["4,2,3","4,2,3"]}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"released":2}`, string(out))

	status, _ = b.post(t, "/tiles/release", `{"keys":["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeliverEndpoint(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)

	payload, err := json.Marshal(tile.Payload{Index: key423, Data: tile.Bins{"1,2": {marker()}}})
	require.NoError(t, err)

	resp, err := http.Post(b.server.URL+"/tiles/deliver", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nobody was waiting on the tile")
	assert.Equal(t, cache.StatusLoaded, b.svc.Status(key423), "non-empty data is kept")

	status, _ := b.post(t, "/tiles/deliver", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)
	status, body := b.get(t, "/stats")
	require.Equal(t, http.StatusOK, status)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Contains(t, stats, "tiles_loaded")
	assert.Contains(t, stats, "fetches")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	b := setupBridge(t, time.Second)
	req, err := http.NewRequest(http.MethodOptions, b.server.URL+"/mutations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
