// Package index maps annotations to the tiles and bins they occupy.
package index

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/tile"
)

// Pyramid converts a point to fractional TMS tile coordinates at a level.
// fy grows upward, so tile y=0 is the bottom row. ok is false when the point
// lies outside the pyramid.
type Pyramid interface {
	Fraction(p orb.Point, level int) (fx, fy float64, ok bool)
}

// Config contains indexer configuration.
type Config struct {
	Pyramid Pyramid
	Levels  []int
	XBins   int
	YBins   int
}

// Indexer computes the locations of an annotation on every tracked level.
type Indexer struct {
	pyramid Pyramid
	levels  []int
	xBins   int
	yBins   int
}

// New creates an indexer. Levels are deduplicated and sorted ascending.
func New(cfg Config) (*Indexer, error) {
	if cfg.Pyramid == nil {
		return nil, fmt.Errorf("index: pyramid is required")
	}
	if cfg.XBins <= 0 || cfg.YBins <= 0 {
		return nil, fmt.Errorf("index: bins per axis must be positive, got %dx%d", cfg.XBins, cfg.YBins)
	}

	seen := make(map[int]bool, len(cfg.Levels))
	levels := make([]int, 0, len(cfg.Levels))
	for _, l := range cfg.Levels {
		if l < 0 || l > maxLevel {
			return nil, fmt.Errorf("index: level out of range: %d", l)
		}
		if !seen[l] {
			seen[l] = true
			levels = append(levels, l)
		}
	}
	sort.Ints(levels)

	return &Indexer{
		pyramid: cfg.Pyramid,
		levels:  levels,
		xBins:   cfg.XBins,
		yBins:   cfg.YBins,
	}, nil
}

// maxLevel keeps 1<<level well inside int range on every platform.
const maxLevel = 30

// Levels returns the tracked levels in ascending order.
func (ix *Indexer) Levels() []int {
	return append([]int(nil), ix.levels...)
}

// Locate returns one location per tracked level, ascending by level. Levels
// on which the point falls outside the pyramid are skipped.
func (ix *Indexer) Locate(a annotation.Annotation) []tile.Location {
	p := orb.Point{a.X, a.Y}
	out := make([]tile.Location, 0, len(ix.levels))
	for _, level := range ix.levels {
		fx, fy, ok := ix.pyramid.Fraction(p, level)
		if !ok {
			continue
		}
		out = append(out, ix.locationAt(level, fx, fy))
	}
	return out
}

// TileKeys returns the distinct tiles a list of locations touches, in order.
func TileKeys(locs []tile.Location) []tile.Key {
	seen := make(map[tile.Key]bool, len(locs))
	keys := make([]tile.Key, 0, len(locs))
	for _, l := range locs {
		if !seen[l.Tile] {
			seen[l.Tile] = true
			keys = append(keys, l.Tile)
		}
	}
	return keys
}

func (ix *Indexer) locationAt(level int, fx, fy float64) tile.Location {
	tilesPerAxis := 1 << level

	tx := clamp(int(math.Floor(fx)), tilesPerAxis-1)
	ty := clamp(int(math.Floor(fy)), tilesPerAxis-1)

	// Bins are numbered top-down inside a tile while tiles count bottom-up.
	bx := clamp(int(math.Floor((fx-float64(tx))*float64(ix.xBins))), ix.xBins-1)
	by := ix.yBins - 1 - clamp(int(math.Floor((fy-float64(ty))*float64(ix.yBins))), ix.yBins-1)

	return tile.Location{
		Tile: tile.Key{Level: level, X: tx, Y: ty},
		Bin:  tile.NewBinKey(bx, by),
	}
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// Linear is a pyramid over a rectangular area of interest in projected
// coordinates.
type Linear struct {
	Bounds orb.Bound
}

// Fraction implements Pyramid.
func (l Linear) Fraction(p orb.Point, level int) (float64, float64, bool) {
	if !l.Bounds.Contains(p) {
		return 0, 0, false
	}
	w := l.Bounds.Max.X() - l.Bounds.Min.X()
	h := l.Bounds.Max.Y() - l.Bounds.Min.Y()
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	n := float64(int(1) << level)
	fx := (p.X() - l.Bounds.Min.X()) / w * n
	fy := (p.Y() - l.Bounds.Min.Y()) / h * n
	return fx, fy, true
}

// Mercator is the web-mercator pyramid over WGS84 longitude/latitude.
// Latitudes beyond the projection limit fall into the polar rows.
type Mercator struct{}

// maxMercatorLat is the latitude limit maptile.Fraction projects.
const maxMercatorLat = 85.0511

// Fraction implements Pyramid.
func (Mercator) Fraction(p orb.Point, level int) (float64, float64, bool) {
	if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
		return 0, 0, false
	}
	// maptile snaps latitudes beyond its limit to a tile index rather than a
	// fraction, which lands southern points one row too high.
	p[1] = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p.Lat()))
	f := maptile.Fraction(p, maptile.Zoom(level))
	n := float64(int(1) << level)
	// maptile counts rows from the top; flip to TMS.
	return f.X(), n - f.Y(), true
}
