// Package observe holds passive port observations reported by the
// interception layer (shell hooks, linker shim). Observations are hints,
// not reservations: they expire on a TTL and inform the suggest
// endpoint, nothing else.
package observe

import (
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"

	"github.com/styxy-dev/styxy/internal/catalog"
)

// DefaultTTL is how long an observation stays relevant.
const DefaultTTL = 5 * time.Minute

// FallbackServiceType backs suggest calls naming an unknown type.
const FallbackServiceType = "dev"

const (
	numCounters = 10_000
	maxCost     = 1 << 20
	bufferItems = 64
)

// Observation is one reported port sighting.
type Observation struct {
	Port        int       `json:"port"`
	ProcessID   int       `json:"process_id,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	Command     string    `json:"command,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Stats summarizes the store for the observation-stats endpoint.
type Stats struct {
	Active    int    `json:"active"`
	Recorded  uint64 `json:"recorded_total"`
	Hits      uint64 `json:"cache_hits"`
	Misses    uint64 `json:"cache_misses"`
	Evictions uint64 `json:"cache_evictions"`
}

// Store is the TTL'd observation cache. Ristretto owns expiry; a side
// index of known ports supports enumeration and is pruned lazily against
// the cache on every read.
type Store struct {
	cache *ristretto.Cache[int, Observation]
	ttl   time.Duration
	clock func() time.Time

	mu       sync.Mutex
	ports    map[int]struct{}
	recorded uint64

	logger zerolog.Logger
}

// New creates an observation store. ttl <= 0 uses the default.
func New(ttl time.Duration, logger zerolog.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config[int, Observation]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		cache:  cache,
		ttl:    ttl,
		clock:  time.Now,
		ports:  make(map[int]struct{}),
		logger: logger.With().Str("component", "observe").Logger(),
	}, nil
}

// Observe records a port sighting, replacing any previous one.
func (s *Store) Observe(obs Observation) {
	if obs.Port < 1 || obs.Port > 65535 {
		return
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = s.clock()
	}

	s.cache.SetWithTTL(obs.Port, obs, 1, s.ttl)

	s.mu.Lock()
	s.ports[obs.Port] = struct{}{}
	s.recorded++
	s.mu.Unlock()

	s.logger.Debug().Int("port", obs.Port).Str("process", obs.ProcessName).Msg("port observed")
}

// Get returns the live observation for a port, if any.
func (s *Store) Get(port int) (Observation, bool) {
	obs, ok := s.cache.Get(port)
	if !ok {
		s.dropIndex(port)
	}
	return obs, ok
}

// All returns every live observation, port-ordered. Expired entries are
// pruned from the index as a side effect.
func (s *Store) All() []Observation {
	s.mu.Lock()
	ports := make([]int, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()

	out := make([]Observation, 0, len(ports))
	for _, p := range ports {
		if obs, ok := s.cache.Get(p); ok {
			out = append(out, obs)
		} else {
			s.dropIndex(p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Suggest proposes up to count candidate ports for a service type,
// skipping observed ports and anything inUse reports as taken. Unknown
// types fall back to the default range rather than returning nothing.
func (s *Store) Suggest(cat *catalog.Catalog, serviceType string, count int, inUse func(port int) bool) []int {
	if count <= 0 {
		count = 1
	}

	st, ok := cat.Get(serviceType)
	if !ok {
		st, ok = cat.Get(FallbackServiceType)
		if !ok {
			return nil
		}
	}

	out := make([]int, 0, count)
	consider := func(p int) bool {
		if _, observed := s.cache.Get(p); observed {
			return false
		}
		if inUse != nil && inUse(p) {
			return false
		}
		return true
	}

	seen := map[int]bool{}
	for _, p := range st.Preferred {
		if !seen[p] && consider(p) {
			out = append(out, p)
			seen[p] = true
			if len(out) == count {
				return out
			}
		}
	}
	for p := st.Range.Lo; p <= st.Range.Hi; p++ {
		if !seen[p] && consider(p) {
			out = append(out, p)
			seen[p] = true
			if len(out) == count {
				return out
			}
		}
	}
	return out
}

// Stats reports store and cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	recorded := s.recorded
	s.mu.Unlock()

	m := s.cache.Metrics
	return Stats{
		Active:    len(s.All()),
		Recorded:  recorded,
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		Evictions: m.KeysEvicted(),
	}
}

// Wait flushes pending cache writes. Test hook.
func (s *Store) Wait() {
	s.cache.Wait()
}

// Close releases the cache.
func (s *Store) Close() {
	s.cache.Close()
}

func (s *Store) dropIndex(port int) {
	s.mu.Lock()
	delete(s.ports, port)
	s.mu.Unlock()
}
