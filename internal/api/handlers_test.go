package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/observe"
	"github.com/styxy-dev/styxy/internal/reaper"
	"github.com/styxy-dev/styxy/internal/registry"
)

// fnProber answers probes from a function so tests can script which
// ports look externally held.
type fnProber func(port int) bool

func (f fnProber) Probe(_ context.Context, port int) bool { return f(port) }

type alwaysAlive struct{}

func (alwaysAlive) ProcessAlive(int) bool { return true }

type fixture struct {
	handler   http.Handler
	registry  *registry.Registry
	instances *instances.Registry
	obs       *observe.Store
}

func newFixture(t *testing.T, token string, prober fnProber) *fixture {
	t.Helper()
	if prober == nil {
		prober = func(int) bool { return true }
	}

	dir := t.TempDir()
	logger := zerolog.Nop()

	loader := catalog.NewLoader(filepath.Join(dir, "config.json"), logger)
	require.NoError(t, loader.Load())
	runtime := loader.Runtime()

	reg := registry.New(func(serviceType string) bool {
		st, ok := runtime.Get().Get(serviceType)
		return ok && st.EffectiveMode() == catalog.ModeSingle
	}, logger)
	inst := instances.New(time.Minute, logger)

	obs, err := observe.New(time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(obs.Close)

	auditLog := audit.New(filepath.Join(dir, "audit.log"), logger)
	alloc := allocator.New(runtime, reg, prober, nil, logger)
	reap := reaper.New(reg, inst, prober, alwaysAlive{}, auditLog,
		runtime.Get().Recovery.HealthMonitoring, logger)

	handler := NewHandler(Deps{
		Allocator:    alloc,
		Registry:     reg,
		Instances:    inst,
		Observations: obs,
		Reaper:       reap,
		Catalog:      runtime,
		Prober:       prober,
		ScanProber:   prober,
		StartedAt:    time.Now(),
		Logger:       logger,
	}, token, 5*time.Second)

	return &fixture{handler: handler, registry: reg, instances: inst, obs: obs}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestAllocateAndRelease(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(3000), body["port"])
	lockID, _ := body["lock_id"].(string)
	require.NotEmpty(t, lockID)
	require.Equal(t, 1, f.registry.Count())

	rec, body = f.do(t, http.MethodDelete, "/allocate/"+lockID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(3000), body["port"])
	require.Zero(t, f.registry.Count())

	rec, body = f.do(t, http.MethodDelete, "/allocate/"+lockID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindLockNotFound, body["errorKind"])
}

func TestAllocateValidation(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/allocate", map[string]any{"service_type": "dev"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, KindInvalidRequest, body["errorKind"])
}

func TestAllocateUnknownTypeWithoutAutoAllocator(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "grafana",
		"instance_id":  "inst-1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindUnknownServiceType, body["errorKind"])
}

func TestAllocateSingletonReturnsExisting(t *testing.T) {
	f := newFixture(t, "", nil)

	_, first := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "ai",
		"instance_id":  "inst-1",
	})
	_, second := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "ai",
		"instance_id":  "inst-2",
	})

	require.Equal(t, float64(11430), first["port"])
	require.Equal(t, first["lock_id"], second["lock_id"])
	require.Equal(t, first["port"], second["port"])
	require.Equal(t, true, second["existing"])
	require.Equal(t, 1, f.registry.Count())

	// One release frees it for everyone; a second release by either
	// holder observes lockNotFound.
	lockID := first["lock_id"].(string)
	rec, _ := f.do(t, http.MethodDelete, "/allocate/"+lockID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/allocate/"+lockID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAllocateSkipsExternallyHeldPort(t *testing.T) {
	f := newFixture(t, "", func(port int) bool { return port != 3000 })

	rec, body := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(3001), body["port"])
	require.Equal(t, int64(1), f.registry.Metrics().PortConflicts("dev"))
}

func TestDryRunDoesNotReserve(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
		"dry_run":      true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(3000), body["port"])
	require.Empty(t, body["lock_id"])
	require.Zero(t, f.registry.Count())

	// Same answer again: nothing was reserved.
	_, again := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
		"dry_run":      true,
	})
	require.Equal(t, body["port"], again["port"])
}

func TestConcurrentSingletonAllocations(t *testing.T) {
	f := newFixture(t, "", nil)

	const clients = 5
	ports := make([]float64, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var buf bytes.Buffer
			_ = json.NewEncoder(&buf).Encode(map[string]any{
				"service_type": "ai",
				"instance_id":  "inst",
			})
			req := httptest.NewRequest(http.MethodPost, "/allocate", &buf)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)

			var body map[string]any
			if json.Unmarshal(rec.Body.Bytes(), &body) == nil {
				ports[i], _ = body["port"].(float64)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, f.registry.Count())
	for _, p := range ports {
		require.Equal(t, ports[0], p)
	}
}

func TestCheckAllocatedPort(t *testing.T) {
	f := newFixture(t, "", nil)

	_, alloc := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
	})
	port := int(alloc["port"].(float64))

	rec, body := f.do(t, http.MethodGet, "/check/3000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(port), body["port"])
	require.Equal(t, false, body["available"])
	require.NotNil(t, body["allocation"])

	rec, body = f.do(t, http.MethodGet, "/check/3050", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["available"])
	require.Nil(t, body["allocation"])

	rec, _ = f.do(t, http.MethodGet, "/check/0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanReportsBusyPorts(t *testing.T) {
	f := newFixture(t, "", func(port int) bool { return port != 3005 })

	_, alloc := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
	})
	require.Equal(t, float64(3000), alloc["port"])

	rec, body := f.do(t, http.MethodGet, "/scan?start=3000&end=3010", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ports := body["ports"].([]any)
	require.Len(t, ports, 11)

	first := ports[0].(map[string]any)
	require.Equal(t, float64(3000), first["port"])
	require.Equal(t, true, first["allocated"])
	require.Equal(t, false, first["available"])
	require.Equal(t, "dev", first["service_type"])

	held := ports[5].(map[string]any)
	require.Equal(t, float64(3005), held["port"])
	require.Equal(t, false, held["allocated"])
	require.Equal(t, false, held["available"])

	free := ports[1].(map[string]any)
	require.Equal(t, true, free["available"])
}

func TestScanValidation(t *testing.T) {
	f := newFixture(t, "", nil)

	cases := []struct {
		name string
		path string
	}{
		{"missing params", "/scan"},
		{"inverted range", "/scan?start=4000&end=3000"},
		{"span too wide", "/scan?start=1024&end=9999"},
		{"port zero", "/scan?start=0&end=100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodGet, tc.path, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, KindInvalidRequest, body["errorKind"])
		})
	}
}

func TestInstanceLifecycle(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/instance/register", map[string]any{
		"instance_id":       "editor-1",
		"working_directory": "/home/dev/project",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])

	rec, _ = f.do(t, http.MethodPut, "/instance/editor-1/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodPut, "/instance/ghost/heartbeat", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindNotFound, body["errorKind"])

	rec, body = f.do(t, http.MethodGet, "/instance/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["count"])
}

func TestRegisterSynthesizesLinkerShimID(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/instance/register", map[string]any{
		"process_id": 4242,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	inst := body["instance"].(map[string]any)
	require.Equal(t, "ldpreload-4242", inst["instance_id"])

	rec, body = f.do(t, http.MethodPost, "/instance/register", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, KindInvalidRequest, body["errorKind"])
}

func TestObservationEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, _ := f.do(t, http.MethodPost, "/observe", map[string]any{
		"port":         5000,
		"process_name": "vite",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	f.obs.Wait()

	rec, body := f.do(t, http.MethodGet, "/observe/5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vite", body["process_name"])

	rec, body = f.do(t, http.MethodGet, "/observe/5001", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, KindNotFound, body["errorKind"])

	rec, body = f.do(t, http.MethodGet, "/observe/all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["count"])

	rec, _ = f.do(t, http.MethodGet, "/observation-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSuggestSkipsObservedAndAllocated(t *testing.T) {
	f := newFixture(t, "", nil)

	_, alloc := f.do(t, http.MethodPost, "/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "inst-1",
	})
	require.Equal(t, float64(3000), alloc["port"])

	f.do(t, http.MethodPost, "/observe", map[string]any{"port": 3001})
	f.obs.Wait()

	rec, body := f.do(t, http.MethodGet, "/suggest/dev?count=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{float64(3002), float64(3003), float64(3004)}, body["suggestions"])
}

func TestSuggestUnknownTypeFallsBack(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/suggest/never-heard-of-it", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{float64(3000)}, body["suggestions"])
}

func TestCleanupEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodPost, "/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, false, body["forced"])

	rec, body = f.do(t, http.MethodPost, "/cleanup", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["forced"])
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "styxy", body["service"])
	require.Contains(t, body, "allocations")
	require.Contains(t, body, "recovery")

	rec, body = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
}

func TestConfigView(t *testing.T) {
	f := newFixture(t, "", nil)

	rec, body := f.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	types := body["service_types"].(map[string]any)
	require.Contains(t, types, "dev")
	require.Contains(t, types, "ai")

	auto := body["auto_allocation"].(map[string]any)
	require.Equal(t, true, auto["enabled"])
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
