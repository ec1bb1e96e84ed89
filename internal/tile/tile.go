// Package tile defines tile and bin identities and the per-tile annotation data.
package tile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/soma-tiles/annotations/internal/annotation"
)

// ErrInvalidKey is returned when a tile key cannot be parsed.
var ErrInvalidKey = errors.New("invalid tile key")

// Key identifies one tile of the pyramid.
type Key struct {
	Level int
	X     int
	Y     int
}

// String returns the canonical "level,x,y" form.
func (k Key) String() string {
	return strconv.Itoa(k.Level) + "," + strconv.Itoa(k.X) + "," + strconv.Itoa(k.Y)
}

// Valid reports whether all components are non-negative.
func (k Key) Valid() bool {
	return k.Level >= 0 && k.X >= 0 && k.Y >= 0
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "level,x,y". Whitespace around components is ignored.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		vals[i] = v
	}
	return Key{Level: vals[0], X: vals[1], Y: vals[2]}, nil
}

// BinKey identifies a bin inside a tile.
type BinKey string

// NewBinKey returns the key of bin (x, y).
func NewBinKey(x, y int) BinKey {
	return BinKey(strconv.Itoa(x) + "," + strconv.Itoa(y))
}

// Location is one (tile, bin) slot an annotation occupies.
type Location struct {
	Tile Key
	Bin  BinKey
}

func (l Location) String() string {
	return l.Tile.String() + "/" + string(l.Bin)
}

// Bins maps bin keys to the annotations sorted into them.
type Bins map[BinKey][]annotation.Annotation

// Entry is the loaded data of one tile.
type Entry struct {
	Key  Key
	Bins Bins
}

// Bin returns the annotations of bin b. A bin with no annotations is absent.
func (e Entry) Bin(b BinKey) ([]annotation.Annotation, bool) {
	list, ok := e.Bins[b]
	return list, ok
}

// Len returns the total number of annotations in the tile.
func (e Entry) Len() int {
	n := 0
	for _, list := range e.Bins {
		n += len(list)
	}
	return n
}

// Empty reports whether the tile holds no bins.
func (e Entry) Empty() bool {
	return len(e.Bins) == 0
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	return Entry{Key: e.Key, Bins: e.Bins.Clone()}
}

// Clone returns a deep copy of b with empty bins dropped.
func (b Bins) Clone() Bins {
	out := make(Bins, len(b))
	for k, list := range b {
		if len(list) == 0 {
			continue
		}
		cp := make([]annotation.Annotation, len(list))
		for i, a := range list {
			cp[i] = a.Clone()
		}
		out[k] = cp
	}
	return out
}
