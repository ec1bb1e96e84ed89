// Package transport talks to the annotation REST API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/tile"
)

// ErrStatus is returned when the server answers with a non-success status.
var ErrStatus = errors.New("unexpected response status")

const (
	requestIDHeader  = "X-Request-ID"
	maxTileBytes     = 32 << 20
	maxResponseBytes = 1 << 20
)

// ResponseStore caches raw tile response bodies. Set must refuse a body
// whose key was invalidated after gen was taken.
type ResponseStore interface {
	Get(key tile.Key) ([]byte, bool)
	Generation(key tile.Key) uint64
	Set(key tile.Key, gen uint64, data []byte) error
	Invalidate(keys ...tile.Key)
}

// Config contains client configuration.
type Config struct {
	BaseURL string
	Layer   string

	// Timeout applies to each HTTP request. Zero means no timeout.
	Timeout time.Duration

	// MaxConcurrent bounds the number of tile fetches on the wire. Zero means
	// no bound.
	MaxConcurrent int

	Responses  ResponseStore
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client fetches annotation tiles and posts mutations for one layer.
type Client struct {
	base      *url.URL
	layer     string
	http      *http.Client
	sem       *semaphore.Weighted
	responses ResponseStore
	zstd      *zstd.Decoder
	log       *zap.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Layer == "" {
		return nil, fmt.Errorf("transport: layer is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url must be http or https, got %q", cfg.BaseURL)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		base:      base,
		layer:     cfg.Layer,
		http:      httpClient,
		responses: cfg.Responses,
		zstd:      decoder,
		log:       log,
	}
	if cfg.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return c, nil
}

// Layer returns the annotation layer the client works on.
func (c *Client) Layer() string {
	return c.layer
}

// TileURL returns the address of a tile.
func (c *Client) TileURL(key tile.Key) string {
	return c.base.JoinPath(
		"annotation",
		url.PathEscape(c.layer),
		strconv.Itoa(key.Level),
		strconv.Itoa(key.X),
		strconv.Itoa(key.Y)+".json",
	).String()
}

func (c *Client) mutationURL() string {
	return c.base.JoinPath("annotation").String()
}

// Fetch loads one tile. A fresh cached response is used when available.
func (c *Client) Fetch(ctx context.Context, key tile.Key) (tile.Payload, error) {
	var gen uint64
	if c.responses != nil {
		if body, ok := c.responses.Get(key); ok {
			p, err := tile.DecodePayload(body)
			if err == nil {
				c.log.Debug("tile served from response cache", zap.Stringer("tile", key))
				return p, nil
			}
			c.responses.Invalidate(key)
		}
		gen = c.responses.Generation(key)
	}

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return tile.Payload{}, err
		}
		defer c.sem.Release(1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.TileURL(key), nil)
	if err != nil {
		return tile.Payload{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	reqID := setRequestID(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tile.Payload{}, fmt.Errorf("fetch tile %s: %w: %d", key, ErrStatus, resp.StatusCode)
	}

	body, err := c.readBody(resp, maxTileBytes)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("fetch tile %s: %w", key, err)
	}

	p, err := tile.DecodePayload(body)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("fetch tile %s: %w", key, err)
	}

	c.log.Debug("tile fetched",
		zap.String("request_id", reqID),
		zap.Stringer("tile", key),
		zap.Int("bytes", len(body)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if c.responses != nil && p.Index == key {
		if err := c.responses.Set(key, gen, body); err != nil {
			c.log.Debug("response not cached", zap.Stringer("tile", key), zap.Error(err))
		}
	}
	return p, nil
}

type mutationRequest struct {
	Layer      string `json:"layer"`
	Type       string `json:"type"`
	Annotation any    `json:"annotation"`
}

// Post sends a mutation to the server.
func (c *Client) Post(ctx context.Context, m annotation.Mutation) error {
	payload, err := json.Marshal(mutationRequest{
		Layer:      c.layer,
		Type:       string(m.Kind),
		Annotation: m.Payload(),
	})
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mutationURL(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	reqID := setRequestID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", m.Kind, err)
	}
	defer resp.Body.Close()

	body, _ := c.readBody(resp, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: %w: %d %s", m.Kind, ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.log.Debug("POST complete",
		zap.String("request_id", reqID),
		zap.String("type", string(m.Kind)),
		zap.ByteString("result", body),
	)
	return nil
}

// Invalidate drops cached responses for keys.
func (c *Client) Invalidate(keys ...tile.Key) {
	if c.responses != nil {
		c.responses.Invalidate(keys...)
	}
}

// Close releases decoder resources.
func (c *Client) Close() {
	c.zstd.Close()
}

func (c *Client) readBody(resp *http.Response, limit int64) ([]byte, error) {
	r := io.LimitReader(resp.Body, limit)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.ReadAll(r)
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, limit))
	case "zstd":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		out, err := c.zstd.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

func setRequestID(req *http.Request) string {
	id := uuid.New().String()
	req.Header.Set(requestIDHeader, id)
	return id
}
