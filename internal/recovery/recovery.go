// Package recovery is the startup repair pipeline. It runs once per
// daemon start, before the HTTP surface opens: validate the snapshot and
// user config, drop orphaned allocations, resolve singleton duplicates,
// and rebuild the in-memory indexes. Each step reports independently; a
// failing step never aborts the ones after it.
package recovery

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/catalog"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/probe"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/state"
)

// Step status values.
const (
	StatusSuccess      = "success"
	StatusFailed       = "failed"
	StatusAutoRepaired = "auto-repaired"
	StatusSkipped      = "skipped"
)

// Step names, in execution order.
const (
	StepValidateSnapshot   = "validate-snapshot"
	StepValidateUserConfig = "validate-user-config"
	StepCleanOrphans       = "clean-orphans"
	StepSingletonIntegrity = "singleton-integrity"
	StepRebuildIndexes     = "rebuild-indexes"
)

// StepReport is one step's outcome.
type StepReport struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates the run.
type Report struct {
	Steps    []StepReport `json:"steps"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Succeeded lists the names of non-failed steps.
func (r Report) Succeeded() []string {
	return lo.FilterMap(r.Steps, func(s StepReport, _ int) (string, bool) {
		return s.Name, s.Status != StatusFailed
	})
}

// Failed lists the names of failed steps.
func (r Report) Failed() []string {
	return lo.FilterMap(r.Steps, func(s StepReport, _ int) (string, bool) {
		return s.Name, s.Status == StatusFailed
	})
}

// ProcessChecker reports PID liveness.
type ProcessChecker interface {
	ProcessAlive(pid int) bool
}

// Recoverer runs the pipeline.
type Recoverer struct {
	store     *state.Store
	loader    *catalog.Loader
	registry  *registry.Registry
	instances *instances.Registry
	prober    probe.Prober
	procs     ProcessChecker
	audit     *audit.Logger
	cfg       catalog.SystemRecoveryConfig
	logger    zerolog.Logger
}

// New wires a recoverer.
func New(
	store *state.Store,
	loader *catalog.Loader,
	reg *registry.Registry,
	inst *instances.Registry,
	prober probe.Prober,
	procs ProcessChecker,
	auditLog *audit.Logger,
	cfg catalog.SystemRecoveryConfig,
	logger zerolog.Logger,
) *Recoverer {
	return &Recoverer{
		store:     store,
		loader:    loader,
		registry:  reg,
		instances: inst,
		prober:    prober,
		procs:     procs,
		audit:     auditLog,
		cfg:       cfg,
		logger:    logger.With().Str("component", "recovery").Logger(),
	}
}

// Run executes the five steps and emits the recovery audit event.
// The registry and instance set hold the repaired state afterwards.
func (r *Recoverer) Run(ctx context.Context) Report {
	var report Report
	record := func(name, status, detail string) {
		report.Steps = append(report.Steps, StepReport{Name: name, Status: status, Detail: detail})
		event := r.logger.Info()
		if status == StatusFailed {
			event = r.logger.Error()
		}
		event.Str("step", name).Str("status", status).Str("detail", detail).Msg("recovery step")
	}

	// Step 1: validate the snapshot.
	snap, err := r.store.Load()
	switch {
	case err == nil:
		record(StepValidateSnapshot, StatusSuccess, "")
	case errors.Is(err, state.ErrCorrupt):
		detail := "snapshot corrupt, starting empty"
		if r.cfg.BackupCorruptedState {
			if backupPath, berr := r.store.BackupCorrupt(); berr == nil {
				detail = "snapshot corrupt, preserved as " + backupPath
			} else {
				report.Warnings = append(report.Warnings, "corrupt snapshot backup failed: "+berr.Error())
			}
		}
		snap = state.Empty("")
		report.Warnings = append(report.Warnings, detail)
		record(StepValidateSnapshot, StatusAutoRepaired, detail)
	default:
		snap = state.Empty("")
		report.Warnings = append(report.Warnings, err.Error())
		record(StepValidateSnapshot, StatusFailed, err.Error())
	}

	// Step 2: validate the user config. No auto-repair: the previous
	// catalogue (or shipped defaults on first boot) stays in effect.
	if err := r.loader.Load(); err != nil {
		report.Warnings = append(report.Warnings, "user config rejected: "+err.Error())
		record(StepValidateUserConfig, StatusFailed, err.Error())
	} else {
		record(StepValidateUserConfig, StatusSuccess, "")
	}

	// The repair steps run only when system recovery is switched on.
	// The snapshot load and index rebuild run regardless: the daemon
	// must restore its state either way.
	repair := r.cfg.Enabled && r.cfg.RunOnStartup

	// Step 3: clean orphans. An allocation survives only if its owner
	// process is alive and something still holds the port.
	kept, dropped := snap.Allocations, 0
	if repair {
		kept, dropped = r.cleanOrphans(ctx, snap.Allocations)
		if dropped > 0 {
			record(StepCleanOrphans, StatusAutoRepaired, "")
		} else {
			record(StepCleanOrphans, StatusSuccess, "")
		}
	} else {
		record(StepCleanOrphans, StatusSkipped, "system recovery disabled")
	}

	// Step 4: singleton integrity. Latest allocation per single-mode
	// type wins, ties broken by lowest port; the rest are dropped.
	duplicates := 0
	if repair {
		kept, duplicates = r.resolveSingletonDuplicates(kept)
		if duplicates > 0 {
			record(StepSingletonIntegrity, StatusAutoRepaired, "")
		} else {
			record(StepSingletonIntegrity, StatusSuccess, "")
		}
	} else {
		record(StepSingletonIntegrity, StatusSkipped, "system recovery disabled")
	}

	// Step 5: rebuild the indexes from the canonical allocation set.
	r.registry.Restore(kept)
	r.instances.Restore(snap.Instances)
	if r.registry.Count() != len(kept) {
		record(StepRebuildIndexes, StatusFailed, "restored count does not match canonical set")
	} else {
		record(StepRebuildIndexes, StatusSuccess, "")
	}

	r.audit.Emit(audit.ActionSystemRecoveryComplete, map[string]any{
		"success":  report.Succeeded(),
		"failed":   report.Failed(),
		"warnings": report.Warnings,
	})
	r.logger.Info().
		Int("allocations", len(kept)).
		Int("orphans_dropped", dropped).
		Int("singleton_duplicates", duplicates).
		Msg("recovery complete")

	return report
}

func (r *Recoverer) cleanOrphans(ctx context.Context, allocations []registry.Allocation) (kept []registry.Allocation, dropped int) {
	for _, a := range allocations {
		if !r.procs.ProcessAlive(a.ProcessID) {
			r.logger.Info().Int("port", a.Port).Int("pid", a.ProcessID).Msg("dropping orphan: owner process gone")
			dropped++
			continue
		}
		if r.prober.Probe(ctx, a.Port) {
			// Bindable means nothing holds it anymore.
			r.logger.Info().Int("port", a.Port).Msg("dropping orphan: port no longer held")
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	return kept, dropped
}

func (r *Recoverer) resolveSingletonDuplicates(allocations []registry.Allocation) ([]registry.Allocation, int) {
	cat := r.loader.Runtime().Get()
	if cat == nil {
		return allocations, 0
	}

	// One winner per single-mode type: latest AllocatedAt, ties broken
	// by lowest port so the outcome is deterministic.
	winners := map[string]registry.Allocation{}
	for _, a := range allocations {
		if st, ok := cat.Get(a.ServiceType); !ok || st.EffectiveMode() != catalog.ModeSingle {
			continue
		}
		w, tracked := winners[a.ServiceType]
		if !tracked || a.AllocatedAt.After(w.AllocatedAt) ||
			(a.AllocatedAt.Equal(w.AllocatedAt) && a.Port < w.Port) {
			winners[a.ServiceType] = a
		}
	}

	duplicates := 0
	kept := allocations[:0]
	for _, a := range allocations {
		if w, tracked := winners[a.ServiceType]; tracked && a.LockID != w.LockID {
			r.logger.Info().
				Int("port", a.Port).
				Str("service_type", a.ServiceType).
				Msg("dropping singleton duplicate")
			duplicates++
			continue
		}
		kept = append(kept, a)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Port < kept[j].Port })
	return kept, duplicates
}
