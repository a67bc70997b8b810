package registry

import "errors"

// Registry errors.
var (
	// ErrPortConflict is returned when a reservation targets a port that
	// already has a live allocation. The caller moves to its next candidate.
	ErrPortConflict = errors.New("registry: port already allocated")

	// ErrSingletonExists is returned when a reservation targets a
	// single-instance service type that already has a live allocation.
	// The caller hands back the existing singleton ref instead.
	ErrSingletonExists = errors.New("registry: singleton already allocated")

	// ErrLockNotFound is returned when a release names an unknown lock ID.
	ErrLockNotFound = errors.New("registry: lock id not found")

	// ErrInvalidAllocation is returned for structurally bad reservations
	// (port out of bounds, empty lock ID or service type).
	ErrInvalidAllocation = errors.New("registry: invalid allocation")
)
