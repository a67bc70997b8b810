package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/registry"
)

type stubProber struct{ free map[int]bool }

func (s stubProber) Probe(_ context.Context, port int) bool { return s.free[port] }

type stubProcs struct{ alive map[int]bool }

func (s stubProcs) ProcessAlive(pid int) bool { return s.alive[pid] }

func newTestReaper(t *testing.T, free, alive map[int]bool, cfg catalog.HealthMonitoringConfig) (*Reaper, *registry.Registry, *instances.Registry) {
	t.Helper()

	reg := registry.New(nil, zerolog.Nop())
	inst := instances.New(time.Minute, zerolog.Nop())

	auditLog := audit.New(filepath.Join(t.TempDir(), "audit.log"), zerolog.Nop())
	auditLog.Start()
	t.Cleanup(func() { _ = auditLog.Close() })

	r := New(reg, inst, stubProber{free: free}, stubProcs{alive: alive}, auditLog, cfg, zerolog.Nop())
	return r, reg, inst
}

func healthCfg() catalog.HealthMonitoringConfig {
	return catalog.HealthMonitoringConfig{
		Enabled:                 true,
		CheckIntervalMs:         50,
		MaxFailures:             3,
		CleanupStaleAllocations: true,
	}
}

func TestHealthyAllocationSurvives(t *testing.T) {
	// Port held (not free), owner alive.
	r, reg, _ := newTestReaper(t, map[int]bool{}, map[int]bool{100: true}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 100,
	}))

	for i := 0; i < 5; i++ {
		res := r.RunOnce(context.Background(), false)
		require.Zero(t, res.Released)
	}
	require.Equal(t, 1, reg.Count())
}

func TestDeadProcessReapedAfterMaxFailures(t *testing.T) {
	r, reg, _ := newTestReaper(t, map[int]bool{}, map[int]bool{}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 12345,
		AllocatedAt: time.Now(),
	}))

	// Two unhealthy ticks: still alive.
	r.RunOnce(context.Background(), false)
	r.RunOnce(context.Background(), false)
	require.Equal(t, 1, reg.Count())

	// Third tick hits maxFailures.
	res := r.RunOnce(context.Background(), false)
	require.Equal(t, 1, res.Released)
	require.Zero(t, reg.Count())
}

func TestFreePortCountsAsUnhealthy(t *testing.T) {
	// Owner alive but nothing listens on the port anymore.
	r, reg, _ := newTestReaper(t, map[int]bool{3000: true}, map[int]bool{100: true}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 100,
	}))

	for i := 0; i < 3; i++ {
		r.RunOnce(context.Background(), false)
	}
	require.Zero(t, reg.Count())
}

func TestHealthyTickResetsCounter(t *testing.T) {
	free := map[int]bool{}
	r, reg, _ := newTestReaper(t, free, map[int]bool{100: true}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 100,
	}))

	// Two unhealthy ticks, then a healthy one, then two more unhealthy:
	// the counter restarted, so the allocation survives.
	free[3000] = true
	r.RunOnce(context.Background(), false)
	r.RunOnce(context.Background(), false)
	free[3000] = false
	r.RunOnce(context.Background(), false)
	free[3000] = true
	r.RunOnce(context.Background(), false)
	r.RunOnce(context.Background(), false)

	require.Equal(t, 1, reg.Count())
}

func TestCleanupDisabledNeverReleases(t *testing.T) {
	cfg := healthCfg()
	cfg.CleanupStaleAllocations = false
	r, reg, _ := newTestReaper(t, map[int]bool{3000: true}, map[int]bool{}, cfg)
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 9,
	}))

	for i := 0; i < 10; i++ {
		r.RunOnce(context.Background(), false)
	}
	require.Equal(t, 1, reg.Count())
}

func TestForceAgesOutOldAllocations(t *testing.T) {
	// Healthy by every check, but ancient.
	r, reg, _ := newTestReaper(t, map[int]bool{}, map[int]bool{100: true}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-old", ServiceType: "dev", InstanceID: "i", ProcessID: 100,
		AllocatedAt: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3001, LockID: "lk-new", ServiceType: "dev", InstanceID: "i", ProcessID: 100,
		AllocatedAt: time.Now(),
	}))

	res := r.RunOnce(context.Background(), true)
	require.Equal(t, 1, res.Released)
	_, ok := reg.LookupByLockID("lk-old")
	require.False(t, ok)
	_, ok = reg.LookupByLockID("lk-new")
	require.True(t, ok)
}

func TestRunOnceExpiresInstances(t *testing.T) {
	r, _, inst := newTestReaper(t, map[int]bool{}, map[int]bool{}, healthCfg())

	_, err := inst.Register(instances.Registration{InstanceID: "i-1"})
	require.NoError(t, err)

	res := r.RunOnce(context.Background(), false)
	require.Zero(t, res.InstancesExpired)

	// Age the instance past the TTL.
	inst.Restore([]instances.Instance{{
		InstanceID:      "i-1",
		RegisteredAt:    time.Now().Add(-3 * time.Minute),
		LastHeartbeatAt: time.Now().Add(-3 * time.Minute),
	}})

	res = r.RunOnce(context.Background(), false)
	require.Equal(t, 1, res.InstancesExpired)
	require.Zero(t, inst.Count())
}

func TestTickerLoopReapsEventually(t *testing.T) {
	r, reg, _ := newTestReaper(t, map[int]bool{}, map[int]bool{}, healthCfg())
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 12345,
		AllocatedAt: time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, 25*time.Millisecond)
}

func TestDisabledReaperStartIsNoOp(t *testing.T) {
	cfg := healthCfg()
	cfg.Enabled = false
	r, reg, _ := newTestReaper(t, map[int]bool{3000: true}, map[int]bool{}, cfg)
	require.NoError(t, reg.Reserve(registry.Allocation{
		Port: 3000, LockID: "lk-1", ServiceType: "dev", InstanceID: "i", ProcessID: 9,
	}))

	r.Start(context.Background())
	r.Stop() // returns immediately; loop never ran
	require.Equal(t, 1, reg.Count())
}
