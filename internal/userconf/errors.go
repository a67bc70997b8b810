package userconf

import "errors"

// User-config store errors.
var (
	// ErrLockTimeout is returned when the advisory file lock could not be
	// acquired within the configured bound.
	ErrLockTimeout = errors.New("userconf: config lock timeout")

	// ErrWriteFailed is returned when the atomic rewrite failed; the
	// on-disk config is unchanged or restored from backup.
	ErrWriteFailed = errors.New("userconf: config write failed")

	// ErrTypeExists is returned when adding a service type that is
	// already present in the user config.
	ErrTypeExists = errors.New("userconf: service type already exists")

	// ErrTypeNotFound is returned when removing an absent service type.
	ErrTypeNotFound = errors.New("userconf: service type not found")

	// ErrTypeInUse is returned when removing a service type that still
	// has live allocations. Release them first.
	ErrTypeInUse = errors.New("userconf: service type has live allocations")
)
