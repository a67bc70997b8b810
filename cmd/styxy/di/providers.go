package di

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/api"
	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/config"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/observe"
	"github.com/styxy-dev/styxy/internal/probe"
	"github.com/styxy-dev/styxy/internal/reaper"
	"github.com/styxy-dev/styxy/internal/recovery"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/state"
	"github.com/styxy-dev/styxy/internal/sysinfo"
	"github.com/styxy-dev/styxy/internal/userconf"
	"github.com/styxy-dev/styxy/internal/version"
)

// scanProbesPerSecond bounds range scans across all concurrent requests.
const scanProbesPerSecond = 200

// Service wrapper types for DI registration.

// ConfigService wraps the loaded daemon configuration.
type ConfigService struct {
	Config *config.Config
}

// LoggerService wraps the zerolog logger.
type LoggerService struct {
	Logger *zerolog.Logger
}

// AuditService wraps the audit trail writer.
type AuditService struct {
	Audit *audit.Logger
}

// UserConfService wraps the user config mutation store.
type UserConfService struct {
	Store *userconf.Store
}

// CatalogService wraps the catalogue loader and its runtime view.
type CatalogService struct {
	Loader  *catalog.Loader
	Runtime *catalog.Runtime
}

// RegistryService wraps the allocation registry.
type RegistryService struct {
	Registry *registry.Registry
}

// InstancesService wraps the instance registry.
type InstancesService struct {
	Instances *instances.Registry
}

// ObserveService wraps the observation store.
type ObserveService struct {
	Store *observe.Store
}

// ProberService wraps the loopback prober, plus a rate-limited variant
// for range scans.
type ProberService struct {
	Prober     probe.Prober
	ScanProber probe.Prober
}

// SysinfoService wraps the OS inspection layer.
type SysinfoService struct {
	System *sysinfo.System
}

// AllocatorService wraps the allocation state machine.
type AllocatorService struct {
	Allocator *allocator.Allocator
}

// StateService wraps snapshot persistence. Constructing it wires the
// registries' mutation hooks into the debounced saver.
type StateService struct {
	Store *state.Store
	Saver *state.Saver
}

// RecoveryService holds the startup recovery report. Resolving it runs
// the pipeline, so anything depending on it (the API handler) sees a
// repaired registry.
type RecoveryService struct {
	Report recovery.Report
}

// ReaperService wraps the health monitor.
type ReaperService struct {
	Reaper *reaper.Reaper
}

// WatcherService wraps the user-config file watcher.
type WatcherService struct {
	Watcher *config.Watcher
}

// HandlerService wraps the HTTP handler.
type HandlerService struct {
	Handler http.Handler
}

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *api.Server
}

// RegisterSingletons registers all service providers in dependency order.
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewAudit)
	do.Provide(i, NewUserConf)
	do.Provide(i, NewCatalog)
	do.Provide(i, NewRegistry)
	do.Provide(i, NewInstances)
	do.Provide(i, NewObserve)
	do.Provide(i, NewProber)
	do.Provide(i, NewSysinfo)
	do.Provide(i, NewAllocator)
	do.Provide(i, NewState)
	do.Provide(i, NewRecovery)
	do.Provide(i, NewReaper)
	do.Provide(i, NewWatcher)
	do.Provide(i, NewAPIHandler)
	do.Provide(i, NewHTTPServer)
}

// NewConfig loads the daemon configuration and ensures the data dir exists.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o700); err != nil {
		return nil, err
	}
	return &ConfigService{Config: cfg}, nil
}

// NewLogger creates the zerolog logger from configuration.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger, err := config.NewLogger(cfgSvc.Config.Logging)
	if err != nil {
		return nil, err
	}
	return &LoggerService{Logger: &logger}, nil
}

// NewAudit creates and starts the audit trail writer.
func NewAudit(i do.Injector) (*AuditService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	a := audit.New(cfgSvc.Config.Paths.AuditLogPath(), *loggerSvc.Logger)
	a.Start()
	return &AuditService{Audit: a}, nil
}

// Shutdown implements do.Shutdowner, flushing buffered audit events.
func (s *AuditService) Shutdown() error {
	return s.Audit.Close()
}

// NewUserConf creates the user config store.
func NewUserConf(i do.Injector) (*UserConfService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	return &UserConfService{
		Store: userconf.New(cfgSvc.Config.Paths.UserConfigPath(), *loggerSvc.Logger),
	}, nil
}

// NewCatalog creates the catalogue loader and performs the initial load.
// A rejected user config is logged, not fatal: the daemon starts with
// the previous or shipped catalogue.
func NewCatalog(i do.Injector) (*CatalogService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	loader := catalog.NewLoader(cfgSvc.Config.Paths.UserConfigPath(), *loggerSvc.Logger)
	if err := loader.Load(); err != nil {
		loggerSvc.Logger.Warn().Err(err).Msg("starting with fallback catalogue")
	}
	return &CatalogService{Loader: loader, Runtime: loader.Runtime()}, nil
}

// NewRegistry creates the allocation registry bound to the live catalogue.
func NewRegistry(i do.Injector) (*RegistryService, error) {
	catSvc := do.MustInvoke[*CatalogService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	runtime := catSvc.Runtime
	reg := registry.New(func(serviceType string) bool {
		st, ok := runtime.Get().Get(serviceType)
		return ok && st.EffectiveMode() == catalog.ModeSingle
	}, *loggerSvc.Logger)

	return &RegistryService{Registry: reg}, nil
}

// NewInstances creates the instance registry.
func NewInstances(i do.Injector) (*InstancesService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	return &InstancesService{
		Instances: instances.New(cfgSvc.Config.State.GetInstanceTTL(), *loggerSvc.Logger),
	}, nil
}

// NewObserve creates the observation store.
func NewObserve(i do.Injector) (*ObserveService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	store, err := observe.New(cfgSvc.Config.State.GetObservationTTL(), *loggerSvc.Logger)
	if err != nil {
		return nil, err
	}
	return &ObserveService{Store: store}, nil
}

// Shutdown implements do.Shutdowner for the observation cache.
func (s *ObserveService) Shutdown() error {
	s.Store.Close()
	return nil
}

// NewProber creates the loopback prober pair.
func NewProber(i do.Injector) (*ProberService, error) {
	loggerSvc := do.MustInvoke[*LoggerService](i)

	prober := probe.NewTCPProber(loggerSvc.Logger)
	return &ProberService{
		Prober:     prober,
		ScanProber: probe.NewRateLimited(prober, scanProbesPerSecond),
	}, nil
}

// NewSysinfo creates the OS inspection layer.
func NewSysinfo(i do.Injector) (*SysinfoService, error) {
	loggerSvc := do.MustInvoke[*LoggerService](i)
	return &SysinfoService{System: sysinfo.New(*loggerSvc.Logger)}, nil
}

// NewAllocator creates the allocation state machine with catalogue
// auto-extension wired in.
func NewAllocator(i do.Injector) (*AllocatorService, error) {
	catSvc := do.MustInvoke[*CatalogService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	proberSvc := do.MustInvoke[*ProberService](i)
	userConfSvc := do.MustInvoke[*UserConfService](i)
	auditSvc := do.MustInvoke[*AuditService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	auto := allocator.NewAutoAllocator(userConfSvc.Store, catSvc.Loader, auditSvc.Audit, *loggerSvc.Logger)
	alloc := allocator.New(catSvc.Runtime, regSvc.Registry, proberSvc.Prober, auto, *loggerSvc.Logger)

	// Service-type removal is refused while allocations reference the type.
	reg := regSvc.Registry
	userConfSvc.Store.SetLiveAllocationCheck(func(serviceType string) bool {
		return len(reg.ListForServiceType(serviceType)) > 0
	})

	return &AllocatorService{Allocator: alloc}, nil
}

// NewState creates the snapshot store and debounced saver, and hooks
// registry mutations into it.
func NewState(i do.Injector) (*StateService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	instSvc := do.MustInvoke[*InstancesService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	store := state.NewStore(cfgSvc.Config.Paths.SnapshotPath(), *loggerSvc.Logger)

	reg := regSvc.Registry
	inst := instSvc.Instances
	collect := func() state.Snapshot {
		return state.Snapshot{
			Allocations: reg.ListAll(),
			Singletons:  reg.Singletons(),
			Instances:   inst.List(),
			Version:     version.Version,
		}
	}

	saver := state.NewSaver(store, collect, cfgSvc.Config.State.GetSaveWindow(), *loggerSvc.Logger)
	saver.Start()
	reg.SetOnMutate(saver.Request)
	inst.SetOnMutate(saver.Request)

	return &StateService{Store: store, Saver: saver}, nil
}

// Shutdown implements do.Shutdowner, flushing a final snapshot.
func (s *StateService) Shutdown() error {
	s.Saver.Close()
	return nil
}

// NewRecovery runs the startup recovery pipeline and exposes its report.
func NewRecovery(i do.Injector) (*RecoveryService, error) {
	catSvc := do.MustInvoke[*CatalogService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	instSvc := do.MustInvoke[*InstancesService](i)
	proberSvc := do.MustInvoke[*ProberService](i)
	sysSvc := do.MustInvoke[*SysinfoService](i)
	auditSvc := do.MustInvoke[*AuditService](i)
	stateSvc := do.MustInvoke[*StateService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	recoverer := recovery.New(
		stateSvc.Store,
		catSvc.Loader,
		regSvc.Registry,
		instSvc.Instances,
		proberSvc.Prober,
		sysSvc.System,
		auditSvc.Audit,
		catSvc.Runtime.Get().Recovery.SystemRecovery,
		*loggerSvc.Logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return &RecoveryService{Report: recoverer.Run(ctx)}, nil
}

// NewReaper creates the stale-allocation reaper. Started by serve, not
// by the container, so cleanup-only invocations stay passive.
func NewReaper(i do.Injector) (*ReaperService, error) {
	catSvc := do.MustInvoke[*CatalogService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	instSvc := do.MustInvoke[*InstancesService](i)
	proberSvc := do.MustInvoke[*ProberService](i)
	sysSvc := do.MustInvoke[*SysinfoService](i)
	auditSvc := do.MustInvoke[*AuditService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	r := reaper.New(
		regSvc.Registry,
		instSvc.Instances,
		proberSvc.Prober,
		sysSvc.System,
		auditSvc.Audit,
		catSvc.Runtime.Get().Recovery.HealthMonitoring,
		*loggerSvc.Logger,
	)
	return &ReaperService{Reaper: r}, nil
}

// NewWatcher creates the user-config file watcher. External edits to the
// config file reload the catalogue without a daemon restart.
func NewWatcher(i do.Injector) (*WatcherService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	catSvc := do.MustInvoke[*CatalogService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	loader := catSvc.Loader
	logger := *loggerSvc.Logger
	w, err := config.NewWatcher(cfgSvc.Config.Paths.UserConfigPath(), func() {
		if err := loader.Reload(); err != nil {
			logger.Warn().Err(err).Msg("user config reload rejected")
		}
	}, logger)
	if err != nil {
		return nil, err
	}
	return &WatcherService{Watcher: w}, nil
}

// Shutdown implements do.Shutdowner for the file watcher.
func (s *WatcherService) Shutdown() error {
	return s.Watcher.Close()
}

// NewAPIHandler builds the HTTP handler. Depending on RecoveryService
// guarantees recovery has repaired state before the first request.
func NewAPIHandler(i do.Injector) (*HandlerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	allocSvc := do.MustInvoke[*AllocatorService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	instSvc := do.MustInvoke[*InstancesService](i)
	obsSvc := do.MustInvoke[*ObserveService](i)
	sysSvc := do.MustInvoke[*SysinfoService](i)
	reapSvc := do.MustInvoke[*ReaperService](i)
	catSvc := do.MustInvoke[*CatalogService](i)
	proberSvc := do.MustInvoke[*ProberService](i)
	recSvc := do.MustInvoke[*RecoveryService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	handler := api.NewHandler(api.Deps{
		Allocator:    allocSvc.Allocator,
		Registry:     regSvc.Registry,
		Instances:    instSvc.Instances,
		Observations: obsSvc.Store,
		System:       sysSvc.System,
		Reaper:       reapSvc.Reaper,
		Catalog:      catSvc.Runtime,
		Prober:       proberSvc.Prober,
		ScanProber:   proberSvc.ScanProber,
		Recovery:     recSvc.Report,
		StartedAt:    time.Now(),
		Logger:       *loggerSvc.Logger,
	}, readAuthToken(cfgSvc.Config.Paths.AuthTokenPath()), cfgSvc.Config.Server.GetTimeout())

	return &HandlerService{Handler: handler}, nil
}

// NewHTTPServer creates the loopback HTTP server.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	handlerSvc := do.MustInvoke[*HandlerService](i)

	addr := "127.0.0.1:" + strconv.Itoa(cfgSvc.Config.Server.Port)
	server := api.NewServer(addr, handlerSvc.Handler, cfgSvc.Config.Server.EnableHTTP2)
	return &ServerService{Server: server}, nil
}

// Shutdown implements do.Shutdowner for graceful server shutdown.
func (s *ServerService) Shutdown() error {
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Server.Shutdown(ctx)
	}
	return nil
}

// readAuthToken reads the optional bearer token. A missing file means
// auth is disabled; the daemon only listens on loopback.
func readAuthToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
