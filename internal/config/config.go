// Package config handles configuration loading for the annotation client.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/soma-tiles/annotations/internal/index"
)

// Config represents the client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pyramid PyramidConfig `yaml:"pyramid"`
	Cache   CacheConfig   `yaml:"cache"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig describes the annotation server the client talks to.
type ServerConfig struct {
	BaseURL              string `yaml:"base_url"`
	Layer                string `yaml:"layer"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	MaxConcurrentFetches int    `yaml:"max_concurrent_fetches"`
}

// PyramidConfig describes the tile pyramid annotations are binned into.
type PyramidConfig struct {
	// Projection is "mercator" (lon/lat) or "linear" (Bounds).
	Projection string    `yaml:"projection"`
	Bounds     []float64 `yaml:"bounds"`
	Levels     []int     `yaml:"levels"`
	XBins      int       `yaml:"x_bins"`
	YBins      int       `yaml:"y_bins"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	IdleTiles          int `yaml:"idle_tiles"`
	ResponseCacheMB    int `yaml:"response_cache_mb"`
	ResponseTTLMinutes int `yaml:"response_ttl_minutes"`
	// DropEmptyResults skips the callers of tiles that load with no bins.
	DropEmptyResults bool `yaml:"drop_empty_results"`
}

// BridgeConfig contains local HTTP bridge settings.
type BridgeConfig struct {
	Port               int      `yaml:"port"`
	CORSOrigins        []string `yaml:"cors_origins"`
	WaitTimeoutSeconds int      `yaml:"wait_timeout_seconds"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	ProjectionMercator = "mercator"
	ProjectionLinear   = "linear"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	// idle_tiles: 0 means evict on release, so its default is seeded
	// before decoding instead of filled in afterwards.
	cfg.Cache.IdleTiles = DefaultConfig().Cache.IdleTiles
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:              "http://localhost:8080",
			Layer:                "annotations",
			TimeoutSeconds:       30,
			MaxConcurrentFetches: 8,
		},
		Pyramid: PyramidConfig{
			Projection: ProjectionMercator,
			Levels:     []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			XBins:      256,
			YBins:      256,
		},
		Cache: CacheConfig{
			IdleTiles:          256,
			ResponseCacheMB:    64,
			ResponseTTLMinutes: 10,
		},
		Bridge: BridgeConfig{
			Port:               8090,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			WaitTimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = defaults.Server.BaseURL
	}
	if cfg.Server.Layer == "" {
		cfg.Server.Layer = defaults.Server.Layer
	}
	if cfg.Server.TimeoutSeconds == 0 {
		cfg.Server.TimeoutSeconds = defaults.Server.TimeoutSeconds
	}
	if cfg.Server.MaxConcurrentFetches == 0 {
		cfg.Server.MaxConcurrentFetches = defaults.Server.MaxConcurrentFetches
	}
	if cfg.Pyramid.Projection == "" {
		cfg.Pyramid.Projection = defaults.Pyramid.Projection
	}
	cfg.Pyramid.Projection = strings.ToLower(cfg.Pyramid.Projection)
	if len(cfg.Pyramid.Levels) == 0 {
		cfg.Pyramid.Levels = defaults.Pyramid.Levels
	}
	if cfg.Pyramid.XBins == 0 {
		cfg.Pyramid.XBins = defaults.Pyramid.XBins
	}
	if cfg.Pyramid.YBins == 0 {
		cfg.Pyramid.YBins = defaults.Pyramid.YBins
	}
	// A negative size disables the response cache.
	if cfg.Cache.ResponseCacheMB == 0 {
		cfg.Cache.ResponseCacheMB = defaults.Cache.ResponseCacheMB
	}
	if cfg.Cache.ResponseTTLMinutes == 0 {
		cfg.Cache.ResponseTTLMinutes = defaults.Cache.ResponseTTLMinutes
	}
	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = defaults.Bridge.Port
	}
	if len(cfg.Bridge.CORSOrigins) == 0 {
		cfg.Bridge.CORSOrigins = defaults.Bridge.CORSOrigins
	}
	if cfg.Bridge.WaitTimeoutSeconds == 0 {
		cfg.Bridge.WaitTimeoutSeconds = defaults.Bridge.WaitTimeoutSeconds
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Pyramid.Projection {
	case ProjectionMercator:
	case ProjectionLinear:
		if len(c.Pyramid.Bounds) != 4 {
			return fmt.Errorf("config: linear pyramid needs bounds [min_x, min_y, max_x, max_y], got %v", c.Pyramid.Bounds)
		}
		b := c.Pyramid.Bounds
		if b[0] >= b[2] || b[1] >= b[3] {
			return fmt.Errorf("config: empty pyramid bounds %v", b)
		}
	default:
		return fmt.Errorf("config: unknown projection %q", c.Pyramid.Projection)
	}
	if c.Pyramid.XBins < 0 || c.Pyramid.YBins < 0 {
		return fmt.Errorf("config: bins must be positive")
	}
	if c.Cache.IdleTiles < 0 {
		return fmt.Errorf("config: idle_tiles must not be negative")
	}
	return nil
}

// Timeout returns the per-request timeout for the annotation server.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ResponseTTL returns how long raw tile responses stay fresh.
func (c CacheConfig) ResponseTTL() time.Duration {
	return time.Duration(c.ResponseTTLMinutes) * time.Minute
}

// WaitTimeout returns how long a bridge request waits for loading tiles.
func (b BridgeConfig) WaitTimeout() time.Duration {
	return time.Duration(b.WaitTimeoutSeconds) * time.Second
}

// IndexConfig builds the spatial indexer configuration.
func (p PyramidConfig) IndexConfig() (index.Config, error) {
	var pyramid index.Pyramid
	switch p.Projection {
	case ProjectionMercator:
		pyramid = index.Mercator{}
	case ProjectionLinear:
		if len(p.Bounds) != 4 {
			return index.Config{}, fmt.Errorf("config: linear pyramid needs 4 bounds, got %d", len(p.Bounds))
		}
		pyramid = index.Linear{Bounds: orb.Bound{
			Min: orb.Point{p.Bounds[0], p.Bounds[1]},
			Max: orb.Point{p.Bounds[2], p.Bounds[3]},
		}}
	default:
		return index.Config{}, fmt.Errorf("config: unknown projection %q", p.Projection)
	}
	return index.Config{
		Pyramid: pyramid,
		Levels:  p.Levels,
		XBins:   p.XBins,
		YBins:   p.YBins,
	}, nil
}
