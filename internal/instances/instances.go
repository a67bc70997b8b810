// Package instances tracks client sessions (editors, hooks, the linker
// shim) that hold allocations and heartbeat the daemon. Instances are
// persisted in the snapshot and expired by the reaper when their
// heartbeat goes stale.
package instances

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultTTL is how long an instance survives without a heartbeat.
const DefaultTTL = 10 * time.Minute

// Instance is one registered client session.
type Instance struct {
	InstanceID       string            `json:"instance_id"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ProcessID        int               `json:"process_id,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
	LastHeartbeatAt  time.Time         `json:"last_heartbeat_at"`
}

// Registration is the register-instance input. InstanceID may be empty
// when a ProcessID is given; the registry then synthesizes one.
type Registration struct {
	InstanceID       string
	WorkingDirectory string
	Metadata         map[string]string
	ProcessID        int
}

// Registry holds the live instance set.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Instance
	ttl      time.Duration
	clock    func() time.Time
	onMutate func()
	logger   zerolog.Logger
}

// New creates an empty instance registry.
func New(ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		byID:   make(map[string]Instance),
		ttl:    ttl,
		clock:  time.Now,
		logger: logger.With().Str("component", "instances").Logger(),
	}
}

// SetOnMutate registers a hook invoked after every successful mutation,
// outside the lock. Must not block.
func (r *Registry) SetOnMutate(fn func()) {
	r.mu.Lock()
	r.onMutate = fn
	r.mu.Unlock()
}

// TTL returns the configured heartbeat TTL.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register creates or refreshes an instance. A missing instance ID with
// a known PID synthesizes "ldpreload-<pid>" for linker-shim clients;
// client-provided IDs are opaque and passed through untouched.
func (r *Registry) Register(reg Registration) (Instance, error) {
	id := reg.InstanceID
	if id == "" {
		if reg.ProcessID <= 0 {
			return Instance{}, ErrMissingInstanceID
		}
		id = fmt.Sprintf("ldpreload-%d", reg.ProcessID)
	}

	now := r.clock()

	r.mu.Lock()
	inst, exists := r.byID[id]
	if !exists {
		inst = Instance{InstanceID: id, RegisteredAt: now}
	}
	inst.WorkingDirectory = reg.WorkingDirectory
	inst.ProcessID = reg.ProcessID
	if reg.Metadata != nil {
		inst.Metadata = reg.Metadata
	}
	inst.LastHeartbeatAt = now
	r.byID[id] = inst
	notify := r.onMutate
	r.mu.Unlock()

	if exists {
		r.logger.Debug().Str("instance_id", id).Msg("instance re-registered")
	} else {
		r.logger.Info().Str("instance_id", id).Msg("instance registered")
	}

	if notify != nil {
		notify()
	}
	return inst, nil
}

// Heartbeat refreshes an instance's liveness timestamp.
func (r *Registry) Heartbeat(instanceID string) (Instance, error) {
	now := r.clock()

	r.mu.Lock()
	inst, ok := r.byID[instanceID]
	if !ok {
		r.mu.Unlock()
		return Instance{}, ErrInstanceNotFound
	}
	inst.LastHeartbeatAt = now
	r.byID[instanceID] = inst
	notify := r.onMutate
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
	return inst, nil
}

// Get returns one instance.
func (r *Registry) Get(instanceID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[instanceID]
	return inst, ok
}

// List returns all instances ordered by ID.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.byID)
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ExpireStale removes instances whose heartbeat is older than the TTL
// and returns them. The reaper calls this on its tick.
func (r *Registry) ExpireStale() []Instance {
	cutoff := r.clock().Add(-r.ttl)

	r.mu.Lock()
	var expired []Instance
	for id, inst := range r.byID {
		if inst.LastHeartbeatAt.Before(cutoff) {
			expired = append(expired, inst)
			delete(r.byID, id)
		}
	}
	notify := r.onMutate
	r.mu.Unlock()

	for _, inst := range expired {
		r.logger.Info().
			Str("instance_id", inst.InstanceID).
			Time("last_heartbeat", inst.LastHeartbeatAt).
			Msg("instance expired")
	}
	if len(expired) > 0 && notify != nil {
		notify()
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].InstanceID < expired[j].InstanceID })
	return expired
}

// Restore replaces the instance set from a snapshot. Entries with an
// empty ID are dropped.
func (r *Registry) Restore(list []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]Instance, len(list))
	for _, inst := range list {
		if inst.InstanceID == "" {
			r.logger.Warn().Msg("restore: dropping instance without id")
			continue
		}
		r.byID[inst.InstanceID] = inst
	}
}
