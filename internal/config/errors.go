package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned for config files that are neither
// YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// ValidationError collects every problem found in one validation pass so
// the operator fixes the file once, not field by field.
type ValidationError struct {
	Problems []string
}

// Add records one problem.
func (v *ValidationError) Add(problem string) {
	v.Problems = append(v.Problems, problem)
}

// Addf records one formatted problem.
func (v *ValidationError) Addf(format string, args ...any) {
	v.Add(fmt.Sprintf(format, args...))
}

// ToError returns nil when no problems were recorded.
func (v *ValidationError) ToError() error {
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}

// Error implements error.
func (v *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(v.Problems, "; ")
}

// Validate checks the daemon config for structural problems.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		verr.Addf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.TimeoutMS < 0 {
		verr.Addf("server.timeout_ms must be non-negative, got %d", c.Server.TimeoutMS)
	}
	if c.State.SaveWindowMS < 0 {
		verr.Addf("state.save_window_ms must be non-negative, got %d", c.State.SaveWindowMS)
	}
	if c.State.InstanceTTLMinutes < 0 {
		verr.Addf("state.instance_ttl_minutes must be non-negative, got %d", c.State.InstanceTTLMinutes)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		verr.Addf("logging.level %q unknown", c.Logging.Level)
	}

	return verr.ToError()
}
