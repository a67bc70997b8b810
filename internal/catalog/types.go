// Package catalog holds the service-type catalogue: the mapping from
// service-type names to preferred ports, port ranges, and instance modes.
// The catalogue is merged from shipped defaults and the user config and
// is read-mostly; reloads swap a new immutable snapshot into a Runtime.
package catalog

import (
	"encoding/json"
	"fmt"
)

// InstanceMode controls how many live allocations a service type admits.
type InstanceMode string

// Instance mode constants.
const (
	ModeMulti  InstanceMode = "multi"
	ModeSingle InstanceMode = "single"
)

// Placement selects where auto-allocated ranges are carved out.
type Placement string

// Placement constants.
const (
	PlacementAfter  Placement = "after"
	PlacementBefore Placement = "before"
	PlacementSmart  Placement = "smart"
)

// PortRange is an inclusive [Lo, Hi] interval of TCP ports.
// It marshals as a two-element JSON array to match the user config shape.
type PortRange struct {
	Lo int
	Hi int
}

// MarshalJSON encodes the range as [lo, hi].
func (r PortRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Lo, r.Hi})
}

// UnmarshalJSON decodes a [lo, hi] array.
func (r *PortRange) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("port range must be a [lo, hi] array: %w", err)
	}
	r.Lo, r.Hi = pair[0], pair[1]
	return nil
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Lo && port <= r.Hi
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.Hi - r.Lo + 1
}

// Overlaps reports whether two ranges share any port.
func (r PortRange) Overlaps(other PortRange) bool {
	return r.Lo <= other.Hi && other.Lo <= r.Hi
}

// String renders the range as "lo-hi".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// ServiceType is one row of the catalogue.
type ServiceType struct {
	// Name is the unique, case-sensitive type name (e.g. "dev", "ai").
	Name string `json:"-"`

	// Preferred ports are tried first, in order, regardless of range.
	Preferred []int `json:"preferred_ports,omitempty"`

	// Range is the fallback allocation interval.
	Range PortRange `json:"port_range"`

	// Mode defaults to multi; single types admit one live allocation.
	Mode InstanceMode `json:"instance_mode,omitempty"`

	// AutoAllocated is true iff the entry was created by the auto-allocator.
	AutoAllocated bool `json:"auto_allocated,omitempty"`

	// Description is a free-form tag carried through from the config.
	Description string `json:"description,omitempty"`
}

// EffectiveMode returns the instance mode with the multi default applied.
func (s *ServiceType) EffectiveMode() InstanceMode {
	if s.Mode == ModeSingle {
		return ModeSingle
	}
	return ModeMulti
}

// AutoAllocationConfig holds the runtime knobs for catalogue auto-extension.
type AutoAllocationConfig struct {
	Enabled          bool      `json:"enabled"`
	DefaultChunkSize int       `json:"default_chunk_size"`
	Placement        Placement `json:"placement"`
	MinPort          int       `json:"min_port"`
	MaxPort          int       `json:"max_port"`
	PreserveGaps     bool      `json:"preserve_gaps"`
	GapSize          int       `json:"gap_size"`
}

// GetPlacement returns the placement strategy with the "after" default.
func (a *AutoAllocationConfig) GetPlacement() Placement {
	switch a.Placement {
	case PlacementBefore, PlacementSmart:
		return a.Placement
	default:
		return PlacementAfter
	}
}

// GetChunkSize returns the default chunk size with a sane fallback.
func (a *AutoAllocationConfig) GetChunkSize() int {
	if a.DefaultChunkSize <= 0 {
		return DefaultChunkSize
	}
	return a.DefaultChunkSize
}

// GetGapSize returns the inter-range gap, honoring PreserveGaps.
func (a *AutoAllocationConfig) GetGapSize() int {
	if !a.PreserveGaps || a.GapSize < 0 {
		return 0
	}
	return a.GapSize
}

// AutoAllocationRule overrides chunk sizing for matching service-type names.
// Patterns use path.Match glob syntax ("grafana*", "*-db").
type AutoAllocationRule struct {
	Pattern             string `json:"pattern"`
	ChunkSize           int    `json:"chunk_size"`
	PreferredRangeStart int    `json:"preferred_range_start,omitempty"`
}

// PortConflictConfig tunes conflict detection on the allocation path.
type PortConflictConfig struct {
	Enabled           bool    `json:"enabled"`
	CheckAvailability bool    `json:"check_availability"`
	MaxRetries        int     `json:"max_retries"`
	BackoffMs         int     `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// HealthMonitoringConfig tunes the stale-allocation reaper.
type HealthMonitoringConfig struct {
	Enabled                 bool `json:"enabled"`
	CheckIntervalMs         int  `json:"check_interval_ms"`
	MaxFailures             int  `json:"max_failures"`
	CleanupStaleAllocations bool `json:"cleanup_stale_allocations"`
}

// SystemRecoveryConfig tunes the startup recovery pipeline.
type SystemRecoveryConfig struct {
	Enabled              bool `json:"enabled"`
	RunOnStartup         bool `json:"run_on_startup"`
	BackupCorruptedState bool `json:"backup_corrupted_state"`
	MaxRecoveryAttempts  int  `json:"max_recovery_attempts"`
}

// RecoveryConfig groups the three recovery sub-policies.
type RecoveryConfig struct {
	PortConflict     PortConflictConfig     `json:"port_conflict"`
	HealthMonitoring HealthMonitoringConfig `json:"health_monitoring"`
	SystemRecovery   SystemRecoveryConfig   `json:"system_recovery"`
}

// UserConfig is the decoded shape of the user config JSON file.
// Unknown top-level keys are preserved on disk by the config writer;
// this struct only models the keys the daemon interprets. Pointer fields
// distinguish "section absent" (shipped defaults apply) from "section
// present with zero values".
type UserConfig struct {
	ServiceTypes        map[string]ServiceType `json:"service_types"`
	AutoAllocation      *AutoAllocationConfig  `json:"auto_allocation,omitempty"`
	AutoAllocationRules []AutoAllocationRule   `json:"auto_allocation_rules,omitempty"`
	Recovery            *RecoveryConfig        `json:"recovery,omitempty"`
}
