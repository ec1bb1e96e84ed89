package cache

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/tile"
)

// Status is the load state of a tile.
type Status int

const (
	StatusAbsent Status = iota
	StatusLoading
	StatusLoaded
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	default:
		return "absent"
	}
}

// RemoveResult describes the outcome of removing an annotation from a bin.
type RemoveResult int

const (
	RemoveTileAbsent RemoveResult = iota
	RemoveBinAbsent
	RemoveNotFound
	Removed
)

func (r RemoveResult) String() string {
	switch r {
	case RemoveBinAbsent:
		return "bin absent"
	case RemoveNotFound:
		return "not found"
	case Removed:
		return "removed"
	default:
		return "tile absent"
	}
}

// StoreConfig contains tile store configuration.
type StoreConfig struct {
	// IdleTiles is how many loaded tiles without references are kept before
	// the least recently released one is evicted. Zero evicts on release;
	// tiles stored without references then stay until dropped or released.
	IdleTiles int
	Logger    *zap.Logger
}

// Store holds the loaded annotation data of every resident tile together with
// its load status and reference count.
//
// An entry exists iff the tile's status is loaded. Bins are never empty.
type Store struct {
	mu      sync.Mutex
	log     *zap.Logger
	entries map[tile.Key]tile.Bins
	status  map[tile.Key]Status
	refs    map[tile.Key]int

	// loaded tiles with zero references, oldest first
	idle      *lru.Cache[tile.Key, struct{}]
	idleCap   int
	evictions int
}

// NewStore creates an empty tile store.
func NewStore(cfg StoreConfig) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		log:     log,
		entries: make(map[tile.Key]tile.Bins),
		status:  make(map[tile.Key]Status),
		refs:    make(map[tile.Key]int),
	}
	if cfg.IdleTiles > 0 {
		idle, err := lru.New[tile.Key, struct{}](cfg.IdleTiles)
		if err != nil {
			return nil, err
		}
		s.idle = idle
		s.idleCap = cfg.IdleTiles
	}
	return s, nil
}

// Status returns the load status of key.
func (s *Store) Status(key tile.Key) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[key]
}

// SetStatus changes the load status of key. Moving away from loaded discards
// the entry; moving to loaded without data installs an empty entry.
func (s *Store) SetStatus(key tile.Key, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st {
	case StatusAbsent:
		s.dropLocked(key)
	case StatusLoading:
		s.dropLocked(key)
		s.status[key] = StatusLoading
	case StatusLoaded:
		if _, ok := s.entries[key]; !ok {
			s.setLocked(key, tile.Bins{})
		}
	}
}

// Set replaces the data of key, marks it loaded and returns a snapshot of the
// stored entry. Empty bins in data are dropped.
func (s *Store) Set(key tile.Key, data tile.Bins) tile.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins := data.Clone()
	s.setLocked(key, bins)
	return tile.Entry{Key: key, Bins: bins.Clone()}
}

func (s *Store) setLocked(key tile.Key, bins tile.Bins) {
	s.entries[key] = bins
	s.status[key] = StatusLoaded
	// With no idle set, an unreferenced tile stays until its next release
	// or drop; evicting it here would discard data just stored.
	if s.refs[key] == 0 && s.idle != nil {
		s.markIdleLocked(key)
	}
}

// Entry returns a snapshot of the data of key.
func (s *Store) Entry(key tile.Key) (tile.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins, ok := s.entries[key]
	if !ok {
		return tile.Entry{}, false
	}
	return tile.Entry{Key: key, Bins: bins.Clone()}, true
}

// Append adds a to the bin at loc, creating the bin if needed. Tiles that
// are not resident are left alone; it reports whether the tile was touched.
func (s *Store) Append(loc tile.Location, a annotation.Annotation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins, ok := s.entries[loc.Tile]
	if !ok {
		return false
	}
	bins[loc.Bin] = append(bins[loc.Bin], a.Clone())
	return true
}

// Remove deletes the first annotation equal to a from the bin at loc and
// deletes the bin once it is empty. Tiles that are not resident are left alone.
func (s *Store) Remove(loc tile.Location, a annotation.Annotation) RemoveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins, ok := s.entries[loc.Tile]
	if !ok {
		return RemoveTileAbsent
	}
	list, ok := bins[loc.Bin]
	if !ok {
		return RemoveBinAbsent
	}

	result := RemoveNotFound
	for i := range list {
		if annotation.Equal(list[i], a) {
			list = append(list[:i], list[i+1:]...)
			result = Removed
			break
		}
	}
	if len(list) == 0 {
		delete(bins, loc.Bin)
	} else {
		bins[loc.Bin] = list
	}
	return result
}

// Acquire adds a reference to key and returns the new count.
func (s *Store) Acquire(key tile.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[key]++
	if s.idle != nil {
		s.idle.Remove(key)
	}
	return s.refs[key]
}

// Release drops a reference to key and returns the new count. Releasing a
// tile with no references is logged and ignored. A loaded tile whose count
// reaches zero becomes idle and may be evicted.
func (s *Store) Release(key tile.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.refs[key]
	if n == 0 {
		s.log.Warn("release of unreferenced tile", zap.Stringer("tile", key))
		return 0
	}
	n--
	if n > 0 {
		s.refs[key] = n
		return n
	}

	delete(s.refs, key)
	if s.status[key] == StatusLoaded {
		s.markIdleLocked(key)
	}
	return 0
}

// RefCount returns the number of references held on key.
func (s *Store) RefCount(key tile.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[key]
}

// Evict drops the data of an unreferenced loaded tile.
func (s *Store) Evict(key tile.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[key] > 0 || s.status[key] != StatusLoaded {
		return false
	}
	s.evictLocked(key)
	return true
}

// Drop discards the data of a loaded tile regardless of references, so the
// next request fetches it again. Loading tiles are left alone.
func (s *Store) Drop(key tile.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[key] != StatusLoaded {
		return false
	}
	s.dropLocked(key)
	return true
}

// Resident returns the keys of all loaded tiles, sorted.
func (s *Store) Resident() []tile.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]tile.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return keys
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	loading := 0
	for _, st := range s.status {
		if st == StatusLoading {
			loading++
		}
	}
	idle := 0
	if s.idle != nil {
		idle = s.idle.Len()
	}
	return map[string]interface{}{
		"tiles_loaded":  len(s.entries),
		"tiles_loading": loading,
		"tiles_idle":    idle,
		"referenced":    len(s.refs),
		"evictions":     s.evictions,
	}
}

func (s *Store) markIdleLocked(key tile.Key) {
	if s.idle == nil {
		s.evictLocked(key)
		return
	}
	if !s.idle.Contains(key) && s.idle.Len() >= s.idleCap {
		if oldest, _, ok := s.idle.RemoveOldest(); ok {
			s.evictLocked(oldest)
		}
	}
	s.idle.Add(key, struct{}{})
}

func (s *Store) evictLocked(key tile.Key) {
	s.dropLocked(key)
	s.evictions++
	s.log.Debug("evicted idle tile", zap.Stringer("tile", key))
}

func (s *Store) dropLocked(key tile.Key) {
	delete(s.entries, key)
	delete(s.status, key)
	if s.idle != nil {
		s.idle.Remove(key)
	}
}
