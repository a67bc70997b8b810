package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Registry holds the canonical allocation state. The port map is the
// source of truth; the lock-ID index and singleton map are derived and
// kept consistent on every mutation. An index disagreement discovered
// during a mutation is an invariant violation and panics: the daemon's
// crash path snapshots state and startup recovery repairs it.
type Registry struct {
	mu         sync.RWMutex
	byPort     map[int]Allocation
	byLockID   map[string]int
	singletons map[string]SingletonRef
	singleMode func(serviceType string) bool
	onMutate   func()
	metrics    *Metrics
	logger     zerolog.Logger
}

// New creates an empty registry. singleMode reports whether a service
// type runs in single-instance mode; it is consulted on every reserve
// and release to maintain the singleton map.
func New(singleMode func(serviceType string) bool, logger zerolog.Logger) *Registry {
	if singleMode == nil {
		singleMode = func(string) bool { return false }
	}
	return &Registry{
		byPort:     make(map[int]Allocation),
		byLockID:   make(map[string]int),
		singletons: make(map[string]SingletonRef),
		singleMode: singleMode,
		metrics:    NewMetrics(),
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// SetOnMutate registers a hook invoked after every successful mutation,
// outside the exclusive region. The daemon uses it to enqueue debounced
// snapshot saves; the hook must not block.
func (r *Registry) SetOnMutate(fn func()) {
	r.mu.Lock()
	r.onMutate = fn
	r.mu.Unlock()
}

// Metrics returns the registry's counter set.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Reserve atomically installs an allocation. It is the linearization
// point: of two concurrent reservations for the same port exactly one
// succeeds and the other observes ErrPortConflict. For a single-mode
// type an existing singleton ref rejects the reservation outright with
// ErrSingletonExists, regardless of which port it targets.
func (r *Registry) Reserve(a Allocation) error {
	if a.Port < 1 || a.Port > 65535 || a.LockID == "" || a.ServiceType == "" {
		return ErrInvalidAllocation
	}

	r.mu.Lock()
	if r.singleMode(a.ServiceType) {
		if ref, exists := r.singletons[a.ServiceType]; exists && ref.LockID != a.LockID {
			r.mu.Unlock()
			return ErrSingletonExists
		}
	}
	if _, exists := r.byPort[a.Port]; exists {
		r.mu.Unlock()
		return ErrPortConflict
	}
	if existing, exists := r.byLockID[a.LockID]; exists {
		r.mu.Unlock()
		panic(fmt.Sprintf("registry: lock id %s already bound to port %d", a.LockID, existing))
	}

	r.byPort[a.Port] = a
	r.byLockID[a.LockID] = a.Port
	if r.singleMode(a.ServiceType) {
		r.singletons[a.ServiceType] = refFor(a)
	}
	r.checkIndexesLocked()
	notify := r.onMutate
	r.mu.Unlock()

	r.metrics.AllocationsTotal.Add(1)
	r.logger.Info().
		Int("port", a.Port).
		Str("service_type", a.ServiceType).
		Str("instance_id", a.InstanceID).
		Msg("port reserved")

	if notify != nil {
		notify()
	}
	return nil
}

// Release removes the allocation owned by lockID and returns it.
// Releasing an unknown lock ID returns ErrLockNotFound; a second release
// of the same lock ID is therefore an observable no-op.
func (r *Registry) Release(lockID string) (Allocation, error) {
	r.mu.Lock()
	port, ok := r.byLockID[lockID]
	if !ok {
		r.mu.Unlock()
		return Allocation{}, ErrLockNotFound
	}

	a, ok := r.byPort[port]
	if !ok {
		r.mu.Unlock()
		panic(fmt.Sprintf("registry: lock id %s indexes port %d with no allocation", lockID, port))
	}

	delete(r.byPort, port)
	delete(r.byLockID, lockID)
	if ref, exists := r.singletons[a.ServiceType]; exists && ref.LockID == lockID {
		delete(r.singletons, a.ServiceType)
	}
	r.checkIndexesLocked()
	notify := r.onMutate
	r.mu.Unlock()

	r.metrics.ReleasesTotal.Add(1)
	r.logger.Info().
		Int("port", a.Port).
		Str("service_type", a.ServiceType).
		Msg("port released")

	if notify != nil {
		notify()
	}
	return a, nil
}

// LookupByPort returns the live allocation for a port, if any.
func (r *Registry) LookupByPort(port int) (Allocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byPort[port]
	return a, ok
}

// LookupByLockID returns the live allocation owned by a lock ID, if any.
func (r *Registry) LookupByLockID(lockID string) (Allocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.byLockID[lockID]
	if !ok {
		return Allocation{}, false
	}
	a, ok := r.byPort[port]
	return a, ok
}

// Singleton returns the singleton ref for a service type, if present.
func (r *Registry) Singleton(serviceType string) (SingletonRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.singletons[serviceType]
	return ref, ok
}

// Singletons returns a copy of the singleton map.
func (r *Registry) Singletons() map[string]SingletonRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Assign(map[string]SingletonRef{}, r.singletons)
}

// ListForServiceType returns the live allocations of one type, port-ordered.
func (r *Registry) ListForServiceType(serviceType string) []Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Filter(lo.Values(r.byPort), func(a Allocation, _ int) bool {
		return a.ServiceType == serviceType
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ListAll returns a consistent snapshot of every live allocation, port-ordered.
func (r *Registry) ListAll() []Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.byPort)
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Count returns the number of live allocations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPort)
}

// Restore replaces the registry contents with the given allocations and
// rebuilds the lock-ID and singleton indexes from scratch. Used by
// startup recovery after snapshot validation; duplicate ports or lock
// IDs in the input are dropped (first one wins, ports ascending).
func (r *Registry) Restore(allocations []Allocation) {
	sorted := make([]Allocation, len(allocations))
	copy(sorted, allocations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPort = make(map[int]Allocation, len(sorted))
	r.byLockID = make(map[string]int, len(sorted))
	r.singletons = make(map[string]SingletonRef)

	for _, a := range sorted {
		if a.Port < 1 || a.Port > 65535 || a.LockID == "" || a.ServiceType == "" {
			r.logger.Warn().Int("port", a.Port).Msg("restore: dropping invalid allocation")
			continue
		}
		if _, dup := r.byPort[a.Port]; dup {
			r.logger.Warn().Int("port", a.Port).Msg("restore: dropping duplicate port")
			continue
		}
		if _, dup := r.byLockID[a.LockID]; dup {
			r.logger.Warn().Str("lock_id", a.LockID).Msg("restore: dropping duplicate lock id")
			continue
		}
		r.byPort[a.Port] = a
		r.byLockID[a.LockID] = a.Port
		if r.singleMode(a.ServiceType) {
			// Latest allocation wins; recovery resolves duplicates before
			// calling Restore, this is a belt for hand-built snapshots.
			if ref, exists := r.singletons[a.ServiceType]; !exists || a.AllocatedAt.After(ref.AllocatedAt) {
				r.singletons[a.ServiceType] = refFor(a)
			}
		}
	}
	r.checkIndexesLocked()
}

// checkIndexesLocked verifies that the derived indexes agree with the
// canonical port map. Must be called with the write lock held.
func (r *Registry) checkIndexesLocked() {
	if len(r.byLockID) != len(r.byPort) {
		panic(fmt.Sprintf("registry: index mismatch, %d ports vs %d lock ids", len(r.byPort), len(r.byLockID)))
	}
	for lockID, port := range r.byLockID {
		a, ok := r.byPort[port]
		if !ok || a.LockID != lockID {
			panic(fmt.Sprintf("registry: lock id %s does not round-trip through port %d", lockID, port))
		}
	}
	for serviceType, ref := range r.singletons {
		a, ok := r.byPort[ref.Port]
		if !ok || a.ServiceType != serviceType || a.LockID != ref.LockID {
			panic(fmt.Sprintf("registry: singleton ref for %s does not match allocation on port %d", serviceType, ref.Port))
		}
	}
}
