// Package testutil provides a fake annotation server for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/soma-tiles/annotations/internal/tile"
)

// Post is one mutation request received by the server.
type Post struct {
	Layer      string          `json:"layer"`
	Type       string          `json:"type"`
	Annotation json.RawMessage `json:"annotation"`
	RequestID  string          `json:"-"`
}

// Server is an in-memory annotation API.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	tiles      map[string]map[tile.Key]tile.Bins
	raw        map[tile.Key][]byte
	gets       map[tile.Key]int
	posts      []Post
	encoding   string
	postStatus int
	gate       chan struct{}
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		tiles:      make(map[string]map[tile.Key]tile.Bins),
		raw:        make(map[tile.Key][]byte),
		gets:       make(map[tile.Key]int),
		postStatus: http.StatusOK,
	}

	r := chi.NewRouter()
	r.Get("/annotation/{layer}/{level}/{x}/{y}.json", s.getTile)
	r.Post("/annotation", s.postMutation)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// SetTile installs the bins returned for key on layer.
func (s *Server) SetTile(layer string, key tile.Key, bins tile.Bins) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiles[layer] == nil {
		s.tiles[layer] = make(map[tile.Key]tile.Bins)
	}
	s.tiles[layer][key] = bins
}

// SetRaw makes the server answer key with body verbatim.
func (s *Server) SetRaw(key tile.Key, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[key] = body
}

// SetEncoding makes the server compress tile responses ("gzip" or "zstd").
func (s *Server) SetEncoding(enc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
}

// SetPostStatus sets the status code returned for mutations.
func (s *Server) SetPostStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postStatus = code
}

// Hold makes tile requests block until the returned function is called.
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Gets returns how many times key was requested.
func (s *Server) Gets(key tile.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[key]
}

// Posts returns the mutations received so far.
func (s *Server) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.posts...)
}

func (s *Server) getTile(w http.ResponseWriter, r *http.Request) {
	level, err1 := strconv.Atoi(chi.URLParam(r, "level"))
	x, err2 := strconv.Atoi(chi.URLParam(r, "x"))
	y, err3 := strconv.Atoi(chi.URLParam(r, "y"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}
	key := tile.Key{Level: level, X: x, Y: y}
	layer := chi.URLParam(r, "layer")

	s.mu.Lock()
	s.gets[key]++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	body, ok := s.raw[key]
	bins := s.tiles[layer][key]
	enc := s.encoding
	s.mu.Unlock()

	if !ok {
		var err error
		body, err = json.Marshal(tile.Payload{Index: key, Data: bins})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch enc {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write(body)
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		body = buf.Bytes()
	case "zstd":
		zw, _ := zstd.NewWriter(nil)
		compressed := zw.EncodeAll(body, nil)
		zw.Close()
		w.Header().Set("Content-Encoding", "zstd")
		body = compressed
	}
	w.Write(body)
}

func (s *Server) postMutation(w http.ResponseWriter, r *http.Request) {
	var p Post
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	p.RequestID = r.Header.Get("X-Request-ID")

	s.mu.Lock()
	s.posts = append(s.posts, p)
	status := s.postStatus
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(status)})
}
