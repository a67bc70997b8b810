package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/require"

	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/registry"
)

// fakeProber reports ports in the held set as occupied.
type fakeProber struct {
	held   map[int]bool
	probed []int
}

func (f *fakeProber) Probe(_ context.Context, port int) bool {
	f.probed = append(f.probed, port)
	return !f.held[port]
}

func newTestAllocator(t *testing.T, held map[int]bool) (*Allocator, *registry.Registry, *fakeProber) {
	t.Helper()

	cat, _, err := catalog.Build(nil)
	require.NoError(t, err)

	runtime := catalog.NewRuntime(cat)
	reg := registry.New(func(name string) bool {
		st, ok := cat.Get(name)
		return ok && st.EffectiveMode() == catalog.ModeSingle
	}, zerolog.Nop())

	prober := &fakeProber{held: held}
	return New(runtime, reg, prober, nil, zerolog.Nop()), reg, prober
}

func TestAllocatePrefersExplicitPort(t *testing.T) {
	alloc, reg, _ := newTestAllocator(t, nil)

	res, err := alloc.Allocate(context.Background(), Request{
		ServiceType:   "dev",
		InstanceID:    "i-1",
		PreferredPort: mo.Some(3050),
	})
	require.NoError(t, err)
	require.Equal(t, 3050, res.Port)
	require.NotEmpty(t, res.LockID)
	require.False(t, res.Existing)

	got, ok := reg.LookupByLockID(res.LockID)
	require.True(t, ok)
	require.Equal(t, 3050, got.Port)
	require.Equal(t, "dev", got.ServiceType)
}

func TestAllocateFallsBackToCataloguePreferred(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	res, err := alloc.Allocate(context.Background(), Request{ServiceType: "dev", InstanceID: "i-1"})
	require.NoError(t, err)
	require.Equal(t, 3000, res.Port)
}

func TestAllocateSkipsTakenAndConflictedPorts(t *testing.T) {
	// 3000 is held by another process, 3001 is already allocated.
	alloc, reg, prober := newTestAllocator(t, map[int]bool{3000: true})
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3001, LockID: "lk-existing", ServiceType: "dev", InstanceID: "i-0",
	}))

	res, err := alloc.Allocate(context.Background(), Request{ServiceType: "dev", InstanceID: "i-1"})
	require.NoError(t, err)
	require.Equal(t, 3002, res.Port)

	// The registry-held port must never have been probed.
	for _, p := range prober.probed {
		require.NotEqual(t, 3001, p)
	}

	require.Equal(t, int64(1), reg.Metrics().PortConflictsByType()["dev"])
}

func TestAllocateOutOfRangePreferred(t *testing.T) {
	alloc, reg, _ := newTestAllocator(t, nil)

	res, err := alloc.Allocate(context.Background(), Request{
		ServiceType:   "dev",
		InstanceID:    "i-1",
		PreferredPort: mo.Some(15000),
	})
	require.NoError(t, err)
	require.Equal(t, 15000, res.Port)

	got, _ := reg.LookupByPort(15000)
	require.True(t, got.OutOfRange)
}

func TestAllocateUnknownType(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	_, err := alloc.Allocate(context.Background(), Request{ServiceType: "nope", InstanceID: "i-1"})
	require.ErrorIs(t, err, ErrUnknownServiceType)
}

func TestAllocateInvalidRequest(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	_, err := alloc.Allocate(context.Background(), Request{ServiceType: "dev"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = alloc.Allocate(context.Background(), Request{
		ServiceType:   "dev",
		InstanceID:    "i-1",
		PreferredPort: mo.Some(70000),
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAllocateSingletonReturnsExisting(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	first, err := alloc.Allocate(context.Background(), Request{ServiceType: "ai", InstanceID: "i-1"})
	require.NoError(t, err)
	require.False(t, first.Existing)
	require.Equal(t, 11430, first.Port)

	second, err := alloc.Allocate(context.Background(), Request{ServiceType: "ai", InstanceID: "i-2"})
	require.NoError(t, err)
	require.True(t, second.Existing)
	require.Equal(t, first.Port, second.Port)
	require.Equal(t, first.LockID, second.LockID)
}

// barrierProber holds every caller until all expected probes have
// arrived, forcing concurrent allocations past the singleton
// short-circuit before either reaches the registry.
type barrierProber struct{ gate *sync.WaitGroup }

func (b *barrierProber) Probe(context.Context, int) bool {
	b.gate.Done()
	b.gate.Wait()
	return true
}

func TestAllocateSingletonRaceConverges(t *testing.T) {
	cat, _, err := catalog.Build(nil)
	require.NoError(t, err)

	runtime := catalog.NewRuntime(cat)
	reg := registry.New(func(name string) bool {
		st, ok := cat.Get(name)
		return ok && st.EffectiveMode() == catalog.ModeSingle
	}, zerolog.Nop())

	var gate sync.WaitGroup
	gate.Add(2)
	alloc := New(runtime, reg, &barrierProber{gate: &gate}, nil, zerolog.Nop())

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			res, aerr := alloc.Allocate(context.Background(), Request{
				ServiceType: "ai",
				InstanceID:  fmt.Sprintf("i-%d", i),
			})
			results <- outcome{res: res, err: aerr}
		}(i)
	}

	a := <-results
	b := <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	first, second := a.res, b.res

	// Both callers passed the singleton check, then one reservation won.
	// The loser must converge on the winner's allocation.
	require.Equal(t, 11430, first.Port)
	require.Equal(t, first.Port, second.Port)
	require.Equal(t, first.LockID, second.LockID)
	require.True(t, first.Existing != second.Existing, "exactly one caller created the allocation")

	require.Equal(t, 1, reg.Count())
	require.Len(t, reg.ListForServiceType("ai"), 1)
}

func TestAllocateSingletonAfterRelease(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	first, err := alloc.Allocate(context.Background(), Request{ServiceType: "ai", InstanceID: "i-1"})
	require.NoError(t, err)

	_, err = alloc.Release(first.LockID)
	require.NoError(t, err)

	second, err := alloc.Allocate(context.Background(), Request{ServiceType: "ai", InstanceID: "i-2"})
	require.NoError(t, err)
	require.False(t, second.Existing)
	require.NotEqual(t, first.LockID, second.LockID)
}

func TestAllocateDryRunReservesNothing(t *testing.T) {
	alloc, reg, _ := newTestAllocator(t, nil)

	res, err := alloc.Allocate(context.Background(), Request{ServiceType: "dev", InstanceID: "i-1", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 3000, res.Port)
	require.Empty(t, res.LockID)
	require.Zero(t, reg.Count())

	// The same port stays available for a real allocation.
	res2, err := alloc.Allocate(context.Background(), Request{ServiceType: "dev", InstanceID: "i-1"})
	require.NoError(t, err)
	require.Equal(t, 3000, res2.Port)
}

func TestAllocateExhaustion(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	for i := 0; i < 100; i++ {
		_, err := alloc.Allocate(context.Background(), Request{ServiceType: "docs", InstanceID: "i"})
		require.NoError(t, err)
	}

	_, err := alloc.Allocate(context.Background(), Request{ServiceType: "docs", InstanceID: "i"})
	require.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestReleaseUnknownLock(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	_, err := alloc.Release("no-such-lock")
	require.True(t, errors.Is(err, registry.ErrLockNotFound))
}

func TestCandidateOrderDeduplicates(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, nil)

	cat, _, err := catalog.Build(nil)
	require.NoError(t, err)
	st, _ := cat.Get("dev")

	// Explicit preferred equals a catalogue preferred: first occurrence wins.
	ports := alloc.candidates(Request{PreferredPort: mo.Some(3001)}, st)
	require.Equal(t, 3001, ports[0])
	require.Equal(t, 3000, ports[1])

	seen := map[int]bool{}
	for _, p := range ports {
		require.False(t, seen[p], "port %d appears twice", p)
		seen[p] = true
	}
}

func TestAllocateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent-free allocations get distinct ports and lock ids", prop.ForAll(
		func(n int) bool {
			alloc, _, _ := newTestAllocator(t, nil)
			ports := map[int]bool{}
			locks := map[string]bool{}
			for i := 0; i < n; i++ {
				res, err := alloc.Allocate(context.Background(), Request{ServiceType: "test", InstanceID: "i"})
				if err != nil {
					return false
				}
				if ports[res.Port] || locks[res.LockID] {
					return false
				}
				ports[res.Port] = true
				locks[res.LockID] = true
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.Property("conflicted ports are never reserved", prop.ForAll(
		func(offset int) bool {
			held := map[int]bool{9000 + offset: true}
			alloc, reg, _ := newTestAllocator(t, held)
			res, err := alloc.Allocate(context.Background(), Request{ServiceType: "test", InstanceID: "i"})
			if err != nil {
				return false
			}
			if held[res.Port] {
				return false
			}
			_, taken := reg.LookupByPort(9000 + offset)
			return !taken
		},
		gen.IntRange(0, 99),
	))

	properties.Property("release then re-release is an observable no-op", prop.ForAll(
		func(n int) bool {
			alloc, reg, _ := newTestAllocator(t, nil)
			res, err := alloc.Allocate(context.Background(), Request{ServiceType: "api", InstanceID: "i"})
			if err != nil {
				return false
			}
			if _, err := alloc.Release(res.LockID); err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if _, err := alloc.Release(res.LockID); !errors.Is(err, registry.ErrLockNotFound) {
					return false
				}
			}
			return reg.Count() == 0
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
