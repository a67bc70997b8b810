package instances

import "errors"

var (
	// ErrInstanceNotFound is returned for heartbeats against unknown IDs.
	ErrInstanceNotFound = errors.New("instances: instance not found")

	// ErrMissingInstanceID is returned when registration carries neither
	// an instance ID nor a PID to synthesize one from.
	ErrMissingInstanceID = errors.New("instances: instance_id or process_id required")
)
