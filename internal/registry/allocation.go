// Package registry is the authoritative in-memory allocation table:
// port → Allocation, lock ID → port, and service type → singleton ref.
// All mutations go through one exclusive region; the reserve step is the
// linearization point for allocation ordering.
package registry

import "time"

// Allocation is a live binding from a port to a lock ID, service type,
// and requesting instance. Field tags match the snapshot shape on disk.
type Allocation struct {
	Port        int       `json:"port"`
	LockID      string    `json:"lock_id"`
	ServiceType string    `json:"service_type"`
	ServiceName string    `json:"service_name,omitempty"`
	InstanceID  string    `json:"instance_id"`
	ProjectPath string    `json:"project_path,omitempty"`
	ProcessID   int       `json:"process_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`

	// OutOfRange marks an allocation whose port was explicitly requested
	// outside the service type's range. Such ports never trigger range
	// auto-extension.
	OutOfRange bool `json:"out_of_range,omitempty"`
}

// SingletonRef points at the sole live allocation of a single-instance
// service type. It is keyed by primitive values into the canonical
// allocation table; there are no back-pointers.
type SingletonRef struct {
	Port        int       `json:"port"`
	LockID      string    `json:"lock_id"`
	InstanceID  string    `json:"instance_id"`
	ProcessID   int       `json:"process_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// refFor derives the singleton ref for an allocation.
func refFor(a Allocation) SingletonRef {
	return SingletonRef{
		Port:        a.Port,
		LockID:      a.LockID,
		InstanceID:  a.InstanceID,
		ProcessID:   a.ProcessID,
		AllocatedAt: a.AllocatedAt,
	}
}
