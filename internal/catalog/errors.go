package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Catalogue errors.
var (
	// ErrTypeNotFound is returned by Get for unknown service types.
	ErrTypeNotFound = errors.New("catalog: service type not found")
)

// ValidationError collects catalogue validation failures so a single load
// reports every problem at once.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "catalog validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("catalog validation failed: %s", e.Errors[0])
	}
	return fmt.Sprintf("catalog validation failed with %d errors:\n  - %s",
		len(e.Errors), strings.Join(e.Errors, "\n  - "))
}

// Addf appends a formatted validation failure.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any failure was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns the collector as an error, or nil when empty.
func (e *ValidationError) ToError() error {
	if e.HasErrors() {
		return e
	}
	return nil
}
