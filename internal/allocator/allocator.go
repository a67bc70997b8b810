// Package allocator implements the atomic single-port allocation state
// machine and the catalogue auto-extension path for unknown service
// types. It composes the catalogue (which ports are conventional), the
// registry (which ports styxy already handed out), and the prober (which
// ports something else holds).
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/probe"
	"github.com/styxy-dev/styxy/internal/registry"
)

// Request describes one allocation attempt.
type Request struct {
	ServiceType   string
	ServiceName   string
	InstanceID    string
	ProjectPath   string
	ProcessID     int
	PreferredPort mo.Option[int]
	DryRun        bool
}

// Result is a successful allocation outcome.
type Result struct {
	Port          int
	LockID        string
	Existing      bool
	AutoAllocated bool
}

// Allocator runs the candidate-enumeration / probe / reserve loop.
type Allocator struct {
	catalog  *catalog.Runtime
	registry *registry.Registry
	prober   probe.Prober
	auto     *AutoAllocator
	clock    func() time.Time
	logger   zerolog.Logger
}

// New creates an allocator. auto may be nil when catalogue auto-extension
// is not wired (unknown types then fail immediately).
func New(
	cat *catalog.Runtime,
	reg *registry.Registry,
	prober probe.Prober,
	auto *AutoAllocator,
	logger zerolog.Logger,
) *Allocator {
	return &Allocator{
		catalog:  cat,
		registry: reg,
		prober:   prober,
		auto:     auto,
		clock:    time.Now,
		logger:   logger.With().Str("component", "allocator").Logger(),
	}
}

// Allocate performs one atomic allocation per the state machine:
// singleton short-circuit, ordered candidate list, registry check, probe,
// atomic reserve with conflict retry on the next candidate.
func (a *Allocator) Allocate(ctx context.Context, req Request) (Result, error) {
	if req.ServiceType == "" || req.InstanceID == "" {
		return Result{}, fmt.Errorf("%w: service_type and instance_id are required", ErrInvalidRequest)
	}
	if p, ok := req.PreferredPort.Get(); ok && (p < 1 || p > 65535) {
		return Result{}, fmt.Errorf("%w: preferred_port %d out of range", ErrInvalidRequest, p)
	}

	autoAllocated := false

	cat := a.catalog.Get()
	st, known := cat.Get(req.ServiceType)
	if !known {
		created, err := a.extendCatalogue(ctx, req)
		if err != nil {
			return Result{}, err
		}
		autoAllocated = created

		// Single re-entry: the type must exist after a successful
		// auto-allocation round; anything else is a reload failure.
		cat = a.catalog.Get()
		if st, known = cat.Get(req.ServiceType); !known {
			return Result{}, fmt.Errorf("%w: %s (catalogue reload did not surface it)", ErrUnknownServiceType, req.ServiceType)
		}
	}

	// Singleton short-circuit: hand back the existing allocation.
	if st.EffectiveMode() == catalog.ModeSingle {
		if ref, ok := a.registry.Singleton(req.ServiceType); ok {
			a.logger.Debug().
				Str("service_type", req.ServiceType).
				Int("port", ref.Port).
				Msg("returning existing singleton allocation")
			return Result{Port: ref.Port, LockID: ref.LockID, Existing: true, AutoAllocated: autoAllocated}, nil
		}
	}

	checkAvailability := cat.Recovery.PortConflict.Enabled && cat.Recovery.PortConflict.CheckAvailability

	for _, p := range a.candidates(req, st) {
		if _, taken := a.registry.LookupByPort(p); taken {
			continue
		}

		// Probe results are never cached: a port freed between attempts
		// must be observable on the next one.
		if checkAvailability && !a.prober.Probe(ctx, p) {
			a.registry.Metrics().PortConflictDetected(req.ServiceType)
			a.logger.Warn().
				Int("port", p).
				Str("service_type", req.ServiceType).
				Str("instance_id", req.InstanceID).
				Msg("port conflict detected, skipping candidate")
			continue
		}

		if req.DryRun {
			// A dry-run reply reflects a momentary view and carries no
			// reservation; the port may be taken before the caller acts.
			return Result{Port: p, AutoAllocated: autoAllocated}, nil
		}

		alloc := registry.Allocation{
			Port:        p,
			LockID:      uuid.New().String(),
			ServiceType: req.ServiceType,
			ServiceName: req.ServiceName,
			InstanceID:  req.InstanceID,
			ProjectPath: req.ProjectPath,
			ProcessID:   req.ProcessID,
			AllocatedAt: a.clock(),
			OutOfRange:  !st.Range.Contains(p),
		}

		err := a.registry.Reserve(alloc)
		if errors.Is(err, registry.ErrSingletonExists) {
			// A concurrent allocation won the singleton between our
			// short-circuit check and this reservation. Hand back its ref.
			if ref, ok := a.registry.Singleton(req.ServiceType); ok {
				a.logger.Debug().
					Str("service_type", req.ServiceType).
					Int("port", ref.Port).
					Msg("singleton raced, returning winner's allocation")
				return Result{Port: ref.Port, LockID: ref.LockID, Existing: true, AutoAllocated: autoAllocated}, nil
			}
			// Released again already; this candidate is fair game.
			continue
		}
		if errors.Is(err, registry.ErrPortConflict) {
			// A concurrent reservation won this port; move on.
			continue
		}
		if err != nil {
			return Result{}, err
		}

		return Result{Port: p, LockID: alloc.LockID, AutoAllocated: autoAllocated}, nil
	}

	return Result{}, fmt.Errorf("%w: %s", ErrNoPortsAvailable, req.ServiceType)
}

// Release frees the allocation owned by lockID.
func (a *Allocator) Release(lockID string) (registry.Allocation, error) {
	return a.registry.Release(lockID)
}

// candidates builds the ordered candidate list: explicit preferred port,
// catalogue preferred ports, then the range ascending. Duplicates keep
// their first occurrence.
func (a *Allocator) candidates(req Request, st catalog.ServiceType) []int {
	out := make([]int, 0, len(st.Preferred)+st.Range.Size()+1)

	if p, ok := req.PreferredPort.Get(); ok {
		out = append(out, p)
	}
	out = append(out, st.Preferred...)
	for p := st.Range.Lo; p <= st.Range.Hi; p++ {
		out = append(out, p)
	}

	return lo.Uniq(out)
}

// extendCatalogue delegates an unknown type to the auto-allocator.
// Returns whether a new catalogue entry was created.
func (a *Allocator) extendCatalogue(ctx context.Context, req Request) (bool, error) {
	enabled := a.catalog.Get().AutoAllocation.Enabled
	if a.auto == nil || !enabled {
		return false, fmt.Errorf("%w: %s", ErrUnknownServiceType, req.ServiceType)
	}

	created, err := a.auto.Ensure(ctx, req.ServiceType, req.InstanceID)
	if errors.Is(err, ErrAutoAllocationDisabled) {
		return false, fmt.Errorf("%w: %s", ErrUnknownServiceType, req.ServiceType)
	}
	if err != nil {
		return false, err
	}
	return created, nil
}
