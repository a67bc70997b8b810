package registry

import (
	"sync"
	"sync/atomic"
)

// Metrics is the registry's in-process counter set, exposed through the
// status endpoint. Conflict counts are labelled by service type.
type Metrics struct {
	AllocationsTotal atomic.Int64
	ReleasesTotal    atomic.Int64

	mu        sync.Mutex
	conflicts map[string]*atomic.Int64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{conflicts: make(map[string]*atomic.Int64)}
}

// PortConflictDetected increments the conflict counter for a service type.
func (m *Metrics) PortConflictDetected(serviceType string) {
	m.mu.Lock()
	c, ok := m.conflicts[serviceType]
	if !ok {
		c = &atomic.Int64{}
		m.conflicts[serviceType] = c
	}
	m.mu.Unlock()
	c.Add(1)
}

// PortConflicts returns the conflict count for one service type.
func (m *Metrics) PortConflicts(serviceType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conflicts[serviceType]; ok {
		return c.Load()
	}
	return 0
}

// PortConflictsByType returns a copy of all conflict counters.
func (m *Metrics) PortConflictsByType() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.conflicts))
	for serviceType, c := range m.conflicts {
		out[serviceType] = c.Load()
	}
	return out
}
