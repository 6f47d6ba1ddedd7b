package producer

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/repliq/repliq/pkg/filter"
)

// FilterStore hands out the shared, per-stream_id filter Set described in
// spec §5: "Filter criteria per stream_id: replicated via cluster-wide
// eventually-consistent map. Any node may write; every worker for that
// stream_id observes updates eventually." A single-process deployment uses
// InMemoryFilterStore directly; a clustered deployment supplies an
// implementation that additionally propagates Add/Remove to peers.
type FilterStore interface {
	// Get returns the Set for streamID, creating an empty one on first use.
	Get(streamID string) *filter.Set
}

// InMemoryFilterStore is the single-node collapse of FilterStore: "single-
// node deployments collapse to an in-memory map" (spec §5).
type InMemoryFilterStore struct {
	mu   sync.Mutex
	sets map[string]*filter.Set
}

// NewInMemoryFilterStore returns an empty store.
func NewInMemoryFilterStore() *InMemoryFilterStore {
	return &InMemoryFilterStore{sets: make(map[string]*filter.Set)}
}

func (s *InMemoryFilterStore) Get(streamID string) *filter.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[streamID]
	if !ok {
		set = filter.NewSet()
		s.sets[streamID] = set
	}
	return set
}

// idleFilterTTL bounds how long a stream_id's criteria set survives with no
// Get calls (i.e. no open streams for that stream_id). A reconnecting
// consumer always resends its filter on Init (spec §4.5), so evicting an
// idle set loses nothing but memory.
const idleFilterTTL = 30 * time.Minute

// CachedFilterStore is a FilterStore that evicts a stream_id's criteria set
// once nothing has asked for it in idleFilterTTL, for a producer serving
// many short-lived or rarely-used stream_ids.
type CachedFilterStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewCachedFilterStore returns a store that evicts idle stream_id entries
// after idleFilterTTL.
func NewCachedFilterStore() *CachedFilterStore {
	return &CachedFilterStore{c: cache.New(idleFilterTTL, idleFilterTTL/2)}
}

func (s *CachedFilterStore) Get(streamID string) *filter.Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.c.Get(streamID); ok {
		set := v.(*filter.Set)
		s.c.Set(streamID, set, cache.DefaultExpiration) // refresh TTL
		return set
	}
	set := filter.NewSet()
	s.c.Set(streamID, set, cache.DefaultExpiration)
	return set
}
