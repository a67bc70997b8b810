// Package api is the daemon's HTTP surface. Every endpoint speaks JSON
// and maps domain errors onto a stable error-kind vocabulary so clients
// can branch without parsing messages.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/observe"
	"github.com/styxy-dev/styxy/internal/probe"
	"github.com/styxy-dev/styxy/internal/reaper"
	"github.com/styxy-dev/styxy/internal/recovery"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/sysinfo"
	"github.com/styxy-dev/styxy/internal/version"
)

// maxScanSpan caps one scan request. Wider audits paginate.
const maxScanSpan = 1024

// Deps carries everything the handlers touch.
type Deps struct {
	Allocator    *allocator.Allocator
	Registry     *registry.Registry
	Instances    *instances.Registry
	Observations *observe.Store
	System       *sysinfo.System
	Reaper       *reaper.Reaper
	Catalog      *catalog.Runtime
	Prober       probe.Prober
	ScanProber   probe.Prober
	Recovery     recovery.Report
	StartedAt    time.Time
	Logger       zerolog.Logger
}

// Handler serves the daemon API.
type Handler struct {
	deps   Deps
	logger zerolog.Logger
}

// NewHandler builds the route table with the standard middleware chain:
// request ID, logging, auth, request timeout.
func NewHandler(deps Deps, authToken string, requestTimeout time.Duration) http.Handler {
	h := &Handler{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /allocate", h.allocate)
	mux.HandleFunc("DELETE /allocate/{lockID}", h.release)
	mux.HandleFunc("GET /check/{port}", h.check)
	mux.HandleFunc("GET /scan", h.scan)
	mux.HandleFunc("GET /allocations", h.listAllocations)
	mux.HandleFunc("GET /instance/list", h.listInstances)
	mux.HandleFunc("POST /instance/register", h.registerInstance)
	mux.HandleFunc("PUT /instance/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("POST /observe", h.recordObservation)
	mux.HandleFunc("GET /observe/all", h.listObservations)
	mux.HandleFunc("GET /observe/{port}", h.getObservation)
	mux.HandleFunc("GET /suggest/{serviceType}", h.suggest)
	mux.HandleFunc("GET /observation-stats", h.observationStats)
	mux.HandleFunc("POST /cleanup", h.cleanup)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /config", h.configView)

	var handler http.Handler = mux
	handler = TimeoutMiddleware(requestTimeout)(handler)
	handler = AuthMiddleware(authToken)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(h.logger)(handler)
	return handler
}

type allocateRequest struct {
	ServiceType   string `json:"service_type"`
	ServiceName   string `json:"service_name,omitempty"`
	InstanceID    string `json:"instance_id"`
	PreferredPort *int   `json:"preferred_port,omitempty"`
	ProjectPath   string `json:"project_path,omitempty"`
	ProcessID     int    `json:"process_id,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

type allocateResponse struct {
	Success       bool   `json:"success"`
	Port          int    `json:"port"`
	LockID        string `json:"lock_id,omitempty"`
	Existing      bool   `json:"existing,omitempty"`
	AutoAllocated bool   `json:"auto_allocated,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var body allocateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}

	req := allocator.Request{
		ServiceType: body.ServiceType,
		ServiceName: body.ServiceName,
		InstanceID:  body.InstanceID,
		ProjectPath: body.ProjectPath,
		ProcessID:   body.ProcessID,
		DryRun:      body.DryRun,
	}
	if body.PreferredPort != nil {
		req.PreferredPort = mo.Some(*body.PreferredPort)
	}

	res, err := h.deps.Allocator.Allocate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, allocateResponse{
		Success:       true,
		Port:          res.Port,
		LockID:        res.LockID,
		Existing:      res.Existing,
		AutoAllocated: res.AutoAllocated,
		DryRun:        body.DryRun,
	})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	alloc, err := h.deps.Allocator.Release(r.PathValue("lockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"port":         alloc.Port,
		"service_type": alloc.ServiceType,
	})
}

type checkResponse struct {
	Port       int                  `json:"port"`
	Available  bool                 `json:"available"`
	Allocation *registry.Allocation `json:"allocation,omitempty"`
	System     *sysinfo.PortOwner   `json:"system,omitempty"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	port, err := portFromPath(r, "port")
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}

	resp := checkResponse{Port: port}
	if alloc, ok := h.deps.Registry.LookupByPort(port); ok {
		resp.Allocation = &alloc
	}
	resp.Available = resp.Allocation == nil && h.deps.Prober.Probe(r.Context(), port)

	if !resp.Available && h.deps.System != nil {
		// Identification is best-effort; an open breaker or a restricted
		// connection table just leaves the field empty.
		if owner, err := h.deps.System.IdentifyPort(port); err == nil {
			resp.System = &owner
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type scanEntry struct {
	Port        int    `json:"port"`
	Available   bool   `json:"available"`
	Allocated   bool   `json:"allocated"`
	ServiceType string `json:"service_type,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.Atoi(r.URL.Query().Get("start"))
	end, err2 := strconv.Atoi(r.URL.Query().Get("end"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "start and end query params are required integers", "")
		return
	}
	if start < 1 || end > 65535 || start > end {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "invalid port range", "")
		return
	}
	if end-start+1 > maxScanSpan {
		writeError(w, http.StatusBadRequest, KindInvalidRequest,
			"scan span exceeds "+strconv.Itoa(maxScanSpan)+" ports", "split the range into smaller scans")
		return
	}

	ports := make([]scanEntry, 0, end-start+1)
	for port := start; port <= end; port++ {
		if r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, KindInternal, "scan cancelled", "")
			return
		}
		if alloc, ok := h.deps.Registry.LookupByPort(port); ok {
			ports = append(ports, scanEntry{
				Port:        port,
				Allocated:   true,
				ServiceType: alloc.ServiceType,
				InstanceID:  alloc.InstanceID,
			})
			continue
		}
		ports = append(ports, scanEntry{Port: port, Available: h.deps.ScanProber.Probe(r.Context(), port)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start": start,
		"end":   end,
		"ports": ports,
	})
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	allocs := h.deps.Registry.ListAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"allocations": allocs,
		"count":       len(allocs),
	})
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	list := h.deps.Instances.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": list,
		"count":     len(list),
	})
}

type registerInstanceRequest struct {
	InstanceID       string            `json:"instance_id,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ProcessID        int               `json:"process_id,omitempty"`
}

func (h *Handler) registerInstance(w http.ResponseWriter, r *http.Request) {
	var body registerInstanceRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}

	inst, err := h.deps.Instances.Register(instances.Registration{
		InstanceID:       body.InstanceID,
		WorkingDirectory: body.WorkingDirectory,
		Metadata:         body.Metadata,
		ProcessID:        body.ProcessID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"instance": inst,
	})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	inst, err := h.deps.Instances.Heartbeat(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"last_heartbeat_at": inst.LastHeartbeatAt,
	})
}

func (h *Handler) recordObservation(w http.ResponseWriter, r *http.Request) {
	var obs observe.Observation
	if err := decodeBody(r, &obs); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}
	if obs.Port < 1 || obs.Port > 65535 {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "port out of range", "")
		return
	}

	h.deps.Observations.Observe(obs)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) getObservation(w http.ResponseWriter, r *http.Request) {
	port, err := portFromPath(r, "port")
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}

	obs, ok := h.deps.Observations.Get(port)
	if !ok {
		writeError(w, http.StatusNotFound, KindNotFound, "no observation for port "+strconv.Itoa(port), "")
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (h *Handler) listObservations(w http.ResponseWriter, r *http.Request) {
	list := h.deps.Observations.All()
	writeJSON(w, http.StatusOK, map[string]any{
		"observations": list,
		"count":        len(list),
	})
}

func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) {
	serviceType := r.PathValue("serviceType")
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, KindInvalidRequest, "count must be a positive integer", "")
			return
		}
		count = n
	}

	inUse := func(port int) bool {
		_, taken := h.deps.Registry.LookupByPort(port)
		return taken
	}
	suggestions := h.deps.Observations.Suggest(h.deps.Catalog.Get(), serviceType, count, inUse)

	writeJSON(w, http.StatusOK, map[string]any{
		"service_type": serviceType,
		"suggestions":  suggestions,
	})
}

func (h *Handler) observationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Observations.Stats())
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force,omitempty"`
	}
	// An empty body means a normal sweep.
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error(), "")
		return
	}

	res := h.deps.Reaper.RunOnce(r.Context(), body.Force)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"forced":            body.Force,
		"checked":           res.Checked,
		"released":          res.Released,
		"instances_expired": res.InstancesExpired,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	metrics := h.deps.Registry.Metrics()
	body := map[string]any{
		"service":           "styxy",
		"version":           version.Version,
		"uptime_seconds":    int(time.Since(h.deps.StartedAt).Seconds()),
		"allocations":       h.deps.Registry.Count(),
		"instances":         h.deps.Instances.Count(),
		"allocations_total": metrics.AllocationsTotal.Load(),
		"releases_total":    metrics.ReleasesTotal.Load(),
		"port_conflicts":    metrics.PortConflictsByType(),
		"recovery":          h.deps.Recovery,
	}
	if h.deps.System != nil {
		if stats, err := h.deps.System.Memory(); err == nil {
			body["memory"] = stats
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int(time.Since(h.deps.StartedAt).Seconds()),
	})
}

func (h *Handler) configView(w http.ResponseWriter, r *http.Request) {
	cat := h.deps.Catalog.Get()

	types := map[string]catalog.ServiceType{}
	for _, st := range cat.All() {
		types[st.Name] = st
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service_types":         types,
		"auto_allocation":       cat.AutoAllocation,
		"auto_allocation_rules": cat.Rules,
		"recovery":              cat.Recovery,
	})
}

var errEmptyBody = errors.New("empty body")

// decodeBody decodes a JSON request body, rejecting unknown shapes with
// a client error rather than a 500. A missing body yields errEmptyBody
// so endpoints with optional bodies can treat it as defaults.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func portFromPath(r *http.Request, key string) (int, error) {
	port, err := strconv.Atoi(r.PathValue(key))
	if err != nil || port < 1 || port > 65535 {
		return 0, errors.New("port must be an integer between 1 and 65535")
	}
	return port, nil
}
