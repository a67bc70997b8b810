package allocator

import "errors"

// Allocation errors surfaced to API clients.
var (
	// ErrUnknownServiceType is returned when the requested type is not in
	// the catalogue and auto-allocation is disabled or failed.
	ErrUnknownServiceType = errors.New("allocator: unknown service type")

	// ErrNoPortsAvailable is returned when every candidate was either
	// allocated or conflicted.
	ErrNoPortsAvailable = errors.New("allocator: no ports available for service type")

	// ErrNoRangeAvailable is returned when auto-allocation cannot fit a
	// new non-overlapping range inside [min_port, max_port].
	ErrNoRangeAvailable = errors.New("allocator: no range available for auto-allocation")

	// ErrInvalidRequest is returned for structurally bad requests.
	ErrInvalidRequest = errors.New("allocator: invalid request")

	// ErrAutoAllocationDisabled is returned by the auto-allocator when
	// the feature is switched off.
	ErrAutoAllocationDisabled = errors.New("allocator: auto-allocation disabled")
)
