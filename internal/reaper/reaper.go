// Package reaper is the background health loop: it walks the live
// allocation table, checks owner-process liveness and port occupancy,
// and releases allocations that stay unhealthy for maxFailures
// consecutive ticks. It also expires instances whose heartbeat lapsed.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/probe"
	"github.com/styxy-dev/styxy/internal/registry"
)

// ForceAgeThreshold is the allocation age above which a forced cleanup
// releases regardless of health.
const ForceAgeThreshold = time.Hour

// ProcessChecker reports PID liveness.
type ProcessChecker interface {
	ProcessAlive(pid int) bool
}

// Result summarizes one sweep.
type Result struct {
	Checked          int `json:"checked"`
	Released         int `json:"released"`
	InstancesExpired int `json:"instances_expired"`
}

// Reaper runs the periodic sweep.
type Reaper struct {
	registry  *registry.Registry
	instances *instances.Registry
	prober    probe.Prober
	procs     ProcessChecker
	audit     *audit.Logger
	cfg       catalog.HealthMonitoringConfig
	clock     func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	failures map[int]int

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New wires a reaper. It does not start ticking until Start.
func New(
	reg *registry.Registry,
	inst *instances.Registry,
	prober probe.Prober,
	procs ProcessChecker,
	auditLog *audit.Logger,
	cfg catalog.HealthMonitoringConfig,
	logger zerolog.Logger,
) *Reaper {
	return &Reaper{
		registry:  reg,
		instances: inst,
		prober:    prober,
		procs:     procs,
		audit:     auditLog,
		cfg:       cfg,
		clock:     time.Now,
		logger:    logger.With().Str("component", "reaper").Logger(),
		failures:  make(map[int]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Interval returns the configured tick interval.
func (r *Reaper) Interval() time.Duration {
	if r.cfg.CheckIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.cfg.CheckIntervalMs) * time.Millisecond
}

// Start launches the tick loop. No-op when health monitoring is disabled.
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if !r.cfg.Enabled {
			close(r.done)
			r.logger.Info().Msg("health monitoring disabled")
			return
		}

		go func() {
			defer close(r.done)
			ticker := time.NewTicker(r.Interval())
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					r.RunOnce(ctx, false)
				case <-r.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the tick loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// RunOnce performs one sweep synchronously. With force, every allocation
// older than the age threshold is released regardless of health checks.
// Backs the cleanup endpoint.
func (r *Reaper) RunOnce(ctx context.Context, force bool) Result {
	var res Result
	now := r.clock()

	for _, a := range r.registry.ListAll() {
		res.Checked++

		if force && now.Sub(a.AllocatedAt) > ForceAgeThreshold {
			r.releaseStale(a, 0, "forced age-out")
			res.Released++
			continue
		}

		if r.healthy(ctx, a) {
			r.resetFailures(a.Port)
			continue
		}

		count := r.bumpFailures(a.Port)
		r.logger.Debug().
			Int("port", a.Port).
			Str("service_type", a.ServiceType).
			Int("failures", count).
			Msg("allocation unhealthy")

		if count >= r.maxFailures() && r.cfg.CleanupStaleAllocations {
			r.releaseStale(a, count, "health checks exhausted")
			res.Released++
		}
	}

	r.pruneCounters()

	for _, inst := range r.instances.ExpireStale() {
		res.InstancesExpired++
		r.audit.Emit(audit.ActionInstanceExpired, map[string]any{
			"instanceId":    inst.InstanceID,
			"lastHeartbeat": inst.LastHeartbeatAt,
		})
	}

	return res
}

// healthy checks owner liveness and port occupancy for one allocation.
// Check failures are recovered locally; they never propagate.
func (r *Reaper) healthy(ctx context.Context, a registry.Allocation) bool {
	if a.ProcessID > 0 && !r.procs.ProcessAlive(a.ProcessID) {
		return false
	}
	// Bindable means the owner no longer listens there.
	if r.prober.Probe(ctx, a.Port) {
		return false
	}
	return true
}

func (r *Reaper) releaseStale(a registry.Allocation, failures int, reason string) {
	if _, err := r.registry.Release(a.LockID); err != nil {
		// Raced with an explicit release; nothing left to clean.
		r.logger.Debug().Int("port", a.Port).Err(err).Msg("stale release raced")
		return
	}
	r.resetFailures(a.Port)

	r.audit.Emit(audit.ActionStaleAllocationCleaned, map[string]any{
		"port":        a.Port,
		"serviceType": a.ServiceType,
		"failures":    failures,
	})
	r.logger.Info().
		Int("port", a.Port).
		Str("service_type", a.ServiceType).
		Str("reason", reason).
		Msg("stale allocation cleaned")
}

func (r *Reaper) maxFailures() int {
	if r.cfg.MaxFailures <= 0 {
		return 3
	}
	return r.cfg.MaxFailures
}

func (r *Reaper) bumpFailures(port int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[port]++
	return r.failures[port]
}

func (r *Reaper) resetFailures(port int) {
	r.mu.Lock()
	delete(r.failures, port)
	r.mu.Unlock()
}

// pruneCounters drops counters for ports that no longer have a live
// allocation, so a future allocation of the same port starts clean.
func (r *Reaper) pruneCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port := range r.failures {
		if _, ok := r.registry.LookupByPort(port); !ok {
			delete(r.failures, port)
		}
	}
}
