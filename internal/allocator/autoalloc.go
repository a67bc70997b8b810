package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/userconf"
)

// AutoAllocator extends the catalogue with a fresh range when an unknown
// service type is requested. The whole computation (re-reading the user
// config, choosing the range, writing it back) happens inside one
// advisory-lock critical section so concurrent daemons can never carve
// ranges closer together than the configured gap.
type AutoAllocator struct {
	store  *userconf.Store
	loader *catalog.Loader
	audit  *audit.Logger
	logger zerolog.Logger
	group  singleflight.Group
}

// NewAutoAllocator wires the auto-allocation path.
func NewAutoAllocator(
	store *userconf.Store,
	loader *catalog.Loader,
	auditLog *audit.Logger,
	logger zerolog.Logger,
) *AutoAllocator {
	return &AutoAllocator{
		store:  store,
		loader: loader,
		audit:  auditLog,
		logger: logger.With().Str("component", "auto-allocator").Logger(),
	}
}

// Ensure guarantees the service type exists in the catalogue, creating a
// range for it if necessary. Concurrent calls for the same type collapse
// into one config write; every caller observes the same outcome.
// Returns true when this round created the entry.
func (aa *AutoAllocator) Ensure(ctx context.Context, serviceType, requestedBy string) (bool, error) {
	v, err, _ := aa.group.Do(serviceType, func() (any, error) {
		return aa.ensure(ctx, serviceType, requestedBy)
	})
	if err != nil {
		return false, err
	}
	created, _ := v.(bool)
	return created, nil
}

func (aa *AutoAllocator) ensure(ctx context.Context, serviceType, requestedBy string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	unlock, err := aa.store.Lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-read inside the lock: another process may have created the
	// type between our catalogue miss and lock acquisition.
	current, err := aa.store.Read()
	if err != nil {
		return false, err
	}
	if aa.store.HasServiceType(current, serviceType) {
		if rerr := aa.loader.Reload(); rerr != nil {
			aa.logger.Warn().Err(rerr).Msg("reload after concurrent auto-allocation failed")
		}
		return false, nil
	}

	user, err := catalog.ParseUserConfig(current)
	if err != nil {
		return false, fmt.Errorf("auto-allocation: %w", err)
	}
	view, _, err := catalog.Build(user)
	if err != nil {
		return false, fmt.Errorf("auto-allocation: %w", err)
	}
	if !view.AutoAllocation.Enabled {
		return false, ErrAutoAllocationDisabled
	}

	chunk := view.ChunkSizeFor(serviceType)
	rng, placement, err := aa.computeRange(view, serviceType, chunk)
	if err != nil {
		return false, err
	}

	// The placement search worked from a fresh in-lock view, so an
	// overlap here means the search itself is broken. Refuse the write.
	if overlapsAny(rng, view.Ranges()) {
		return false, fmt.Errorf("%w: %s", ErrNoRangeAvailable, serviceType)
	}

	entry := catalog.ServiceType{
		Range:         rng,
		AutoAllocated: true,
		Description:   "auto-allocated",
	}
	err = aa.store.AtomicLocked(func(cur []byte) ([]byte, error) {
		return aa.store.SetServiceType(cur, serviceType, entry, false)
	})
	if errors.Is(err, userconf.ErrTypeExists) {
		// Unreachable while we hold the lock; treat as already created.
		err = nil
	}
	if err != nil {
		return false, err
	}

	if err := aa.loader.Reload(); err != nil {
		aa.logger.Warn().Err(err).Msg("catalogue reload after auto-allocation failed")
	}

	aa.audit.Emit(audit.ActionAutoAllocation, map[string]any{
		"serviceType": serviceType,
		"range":       [2]int{rng.Lo, rng.Hi},
		"placement":   string(placement),
		"chunkSize":   chunk,
		"context":     requestedBy,
	})
	aa.logger.Info().
		Str("service_type", serviceType).
		Str("range", rng.String()).
		Str("placement", string(placement)).
		Msg("service type auto-allocated")

	return true, nil
}

// computeRange picks a non-overlapping [start, start+chunk-1] range per
// the configured placement. A rule's preferred_range_start is honored
// first when its slot is free.
func (aa *AutoAllocator) computeRange(
	view *catalog.Catalog,
	serviceType string,
	chunk int,
) (catalog.PortRange, catalog.Placement, error) {
	ranges := view.Ranges()
	gap := view.AutoAllocation.GetGapSize()
	lowest, highest := minPort(view), maxPort(view)

	if rule, ok := view.RuleFor(serviceType); ok && rule.PreferredRangeStart > 0 {
		candidate := catalog.PortRange{Lo: rule.PreferredRangeStart, Hi: rule.PreferredRangeStart + chunk - 1}
		if candidate.Lo >= lowest && candidate.Hi <= highest && !overlapsAny(candidate, ranges) {
			return candidate, view.AutoAllocation.GetPlacement(), nil
		}
		aa.logger.Debug().
			Str("service_type", serviceType).
			Str("candidate", candidate.String()).
			Msg("preferred range start unusable, falling back to placement search")
	}

	placement := view.AutoAllocation.GetPlacement()
	switch placement {
	case catalog.PlacementBefore:
		rng, err := placeBefore(ranges, chunk, gap, lowest)
		return rng, placement, err
	case catalog.PlacementSmart:
		if rng, ok := placeSmart(ranges, chunk, gap, lowest, highest); ok {
			return rng, placement, nil
		}
		// No interior gap fits; same fallback the reference documents.
		rng, err := placeAfter(ranges, chunk, gap, lowest, highest)
		return rng, catalog.PlacementAfter, err
	default:
		rng, err := placeAfter(ranges, chunk, gap, lowest, highest)
		return rng, catalog.PlacementAfter, err
	}
}

// placeAfter carves the range above the topmost existing range.
func placeAfter(ranges []catalog.PortRange, chunk, gap, lowest, highest int) (catalog.PortRange, error) {
	start := lowest
	if len(ranges) > 0 {
		maxHi := ranges[0].Hi
		for _, r := range ranges[1:] {
			if r.Hi > maxHi {
				maxHi = r.Hi
			}
		}
		start = maxHi + gap + 1
	}
	if start < lowest {
		start = lowest
	}
	if start+chunk-1 > highest {
		return catalog.PortRange{}, ErrNoRangeAvailable
	}
	return catalog.PortRange{Lo: start, Hi: start + chunk - 1}, nil
}

// placeBefore carves the range below the bottom-most existing range.
func placeBefore(ranges []catalog.PortRange, chunk, gap, lowest int) (catalog.PortRange, error) {
	if len(ranges) == 0 {
		return catalog.PortRange{Lo: lowest, Hi: lowest + chunk - 1}, nil
	}
	minLo := ranges[0].Lo
	for _, r := range ranges[1:] {
		if r.Lo < minLo {
			minLo = r.Lo
		}
	}
	start := minLo - gap - chunk
	if start < lowest {
		return catalog.PortRange{}, ErrNoRangeAvailable
	}
	return catalog.PortRange{Lo: start, Hi: start + chunk - 1}, nil
}

// placeSmart finds the first interior gap that fits the chunk plus the
// configured padding on both sides. Ranges must be sorted ascending,
// which Catalog.Ranges guarantees.
func placeSmart(ranges []catalog.PortRange, chunk, gap, lowest, highest int) (catalog.PortRange, bool) {
	if len(ranges) == 0 {
		if lowest+chunk-1 <= highest {
			return catalog.PortRange{Lo: lowest, Hi: lowest + chunk - 1}, true
		}
		return catalog.PortRange{}, false
	}

	for i := 0; i < len(ranges)-1; i++ {
		holeLo := ranges[i].Hi + 1
		holeHi := ranges[i+1].Lo - 1
		if holeHi-holeLo+1 >= chunk+2*gap {
			start := ranges[i].Hi + gap + 1
			if start >= lowest && start+chunk-1 <= highest {
				return catalog.PortRange{Lo: start, Hi: start + chunk - 1}, true
			}
		}
	}
	return catalog.PortRange{}, false
}

func overlapsAny(candidate catalog.PortRange, ranges []catalog.PortRange) bool {
	for _, r := range ranges {
		if candidate.Overlaps(r) {
			return true
		}
	}
	return false
}

func minPort(view *catalog.Catalog) int {
	if view.AutoAllocation.MinPort > 0 {
		return view.AutoAllocation.MinPort
	}
	return catalog.DefaultMinPort
}

func maxPort(view *catalog.Catalog) int {
	if view.AutoAllocation.MaxPort > 0 {
		return view.AutoAllocation.MaxPort
	}
	return catalog.DefaultMaxPort
}
