package catalog

// Default knobs applied when the user config leaves them unset.
const (
	DefaultChunkSize = 10
	DefaultGapSize   = 10
	DefaultMinPort   = 1024
	DefaultMaxPort   = 65000
)

// DefaultAutoAllocation returns the shipped auto-allocation policy.
func DefaultAutoAllocation() AutoAllocationConfig {
	return AutoAllocationConfig{
		Enabled:          true,
		DefaultChunkSize: DefaultChunkSize,
		Placement:        PlacementAfter,
		MinPort:          DefaultMinPort,
		MaxPort:          DefaultMaxPort,
		PreserveGaps:     true,
		GapSize:          DefaultGapSize,
	}
}

// DefaultRecovery returns the shipped recovery policy.
func DefaultRecovery() RecoveryConfig {
	return RecoveryConfig{
		PortConflict: PortConflictConfig{
			Enabled:           true,
			CheckAvailability: true,
			MaxRetries:        3,
			BackoffMs:         100,
			BackoffMultiplier: 2.0,
		},
		HealthMonitoring: HealthMonitoringConfig{
			Enabled:                 true,
			CheckIntervalMs:         30000,
			MaxFailures:             3,
			CleanupStaleAllocations: true,
		},
		SystemRecovery: SystemRecoveryConfig{
			Enabled:              true,
			RunOnStartup:         true,
			BackupCorruptedState: true,
			MaxRecoveryAttempts:  3,
		},
	}
}

// ShippedServiceTypes returns the built-in catalogue. User config entries
// override same-named entries and add new ones. The "ai" range is kept
// topmost so auto-allocated ranges land above it under "after" placement.
func ShippedServiceTypes() map[string]ServiceType {
	return map[string]ServiceType{
		"dev": {
			Name:        "dev",
			Preferred:   []int{3000, 3001, 3002, 3003},
			Range:       PortRange{Lo: 3000, Hi: 3099},
			Description: "frontend dev servers",
		},
		"docs": {
			Name:        "docs",
			Preferred:   []int{4000},
			Range:       PortRange{Lo: 4000, Hi: 4099},
			Description: "documentation servers",
		},
		"database": {
			Name:        "database",
			Preferred:   []int{5432, 5433},
			Range:       PortRange{Lo: 5430, Hi: 5499},
			Description: "local database instances",
		},
		"api": {
			Name:        "api",
			Preferred:   []int{8000, 8080},
			Range:       PortRange{Lo: 8000, Hi: 8099},
			Description: "backend API servers",
		},
		"proxy": {
			Name:        "proxy",
			Preferred:   []int{8100},
			Range:       PortRange{Lo: 8100, Hi: 8199},
			Description: "local proxies and tunnels",
		},
		"test": {
			Name:        "test",
			Preferred:   []int{9000},
			Range:       PortRange{Lo: 9000, Hi: 9099},
			Description: "test runners and fixtures",
		},
		"monitoring": {
			Name:        "monitoring",
			Preferred:   []int{9900},
			Range:       PortRange{Lo: 9900, Hi: 9999},
			Description: "metrics and dashboards",
		},
		"ai": {
			Name:        "ai",
			Preferred:   []int{11430},
			Range:       PortRange{Lo: 11400, Hi: 11499},
			Mode:        ModeSingle,
			Description: "AI agent sessions",
		},
	}
}
