package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/userconf"
)

// Error kinds surfaced to clients.
const (
	KindUnknownServiceType = "unknownServiceType"
	KindInvalidRequest     = "invalidRequest"
	KindNoPortsAvailable   = "noPortsAvailable"
	KindNoRangeAvailable   = "noRangeAvailable"
	KindConfigLockTimeout  = "configLockTimeout"
	KindConfigWriteFailed  = "configWriteFailed"
	KindLockNotFound       = "lockNotFound"
	KindNotFound           = "notFound"
	KindUnauthorized       = "unauthorized"
	KindInternal           = "internal"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind"`
	Hint      string `json:"hint,omitempty"`
}

// classify maps domain errors onto (status, kind, hint).
func classify(err error) (status int, kind, hint string) {
	switch {
	case errors.Is(err, allocator.ErrInvalidRequest):
		return http.StatusBadRequest, KindInvalidRequest, ""
	case errors.Is(err, allocator.ErrUnknownServiceType):
		return http.StatusNotFound, KindUnknownServiceType, "try a different service_type or enable auto-allocation"
	case errors.Is(err, allocator.ErrNoPortsAvailable):
		return http.StatusConflict, KindNoPortsAvailable, "release unused allocations or widen the range"
	case errors.Is(err, allocator.ErrNoRangeAvailable):
		return http.StatusConflict, KindNoRangeAvailable, ""
	case errors.Is(err, registry.ErrLockNotFound):
		return http.StatusNotFound, KindLockNotFound, ""
	case errors.Is(err, instances.ErrInstanceNotFound):
		return http.StatusNotFound, KindNotFound, ""
	case errors.Is(err, instances.ErrMissingInstanceID):
		return http.StatusBadRequest, KindInvalidRequest, ""
	case errors.Is(err, userconf.ErrLockTimeout):
		return http.StatusServiceUnavailable, KindConfigLockTimeout, "another process holds the config lock; retry"
	case errors.Is(err, userconf.ErrWriteFailed):
		return http.StatusInternalServerError, KindConfigWriteFailed, ""
	default:
		return http.StatusInternalServerError, KindInternal, ""
	}
}

// writeDomainError maps a domain error into the envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	status, kind, hint := classify(err)
	writeError(w, status, kind, err.Error(), hint)
}

// writeError writes the JSON error envelope.
func writeError(w http.ResponseWriter, status int, kind, message, hint string) {
	writeJSON(w, status, errorBody{Error: message, ErrorKind: kind, Hint: hint})
}

// writeJSON serializes a response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
