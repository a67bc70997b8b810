// Package config provides daemon configuration loading, validation, and
// hot-reload of the user service-type config.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
)

// Log level strings accepted by LoggingConfig.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultPort            = 9876
	DefaultTimeoutMS       = 10_000
	DefaultSaveWindowMS    = 500
	DefaultInstanceTTLMin  = 10
	DefaultObservationTTLM = 5
)

// Config is the daemon configuration file shape.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Paths   PathsConfig   `yaml:"paths" toml:"paths"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	State   StateConfig   `yaml:"state" toml:"state"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// Port is the loopback TCP port the daemon listens on.
	Port int `yaml:"port" toml:"port"`

	// TimeoutMS is the coarse per-request deadline.
	TimeoutMS int `yaml:"timeout_ms" toml:"timeout_ms"`

	// EnableHTTP2 turns on HTTP/2 cleartext (h2c) on the listener.
	EnableHTTP2 bool `yaml:"enable_http2" toml:"enable_http2"`
}

// GetTimeoutOption exposes the request timeout when explicitly set.
func (s *ServerConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if s.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(s.TimeoutMS) * time.Millisecond)
}

// GetTimeout returns the request timeout with the default applied.
func (s *ServerConfig) GetTimeout() time.Duration {
	return s.GetTimeoutOption().OrElse(DefaultTimeoutMS * time.Millisecond)
}

// PathsConfig locates the daemon's on-disk state. Everything lives under
// DataDir; the individual paths are derived, not configured.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" toml:"data_dir"`
}

// UserConfigPath is the mutable service-type config file.
func (p *PathsConfig) UserConfigPath() string { return filepath.Join(p.DataDir, "config.json") }

// SnapshotPath is the persisted daemon state.
func (p *PathsConfig) SnapshotPath() string { return filepath.Join(p.DataDir, "daemon.state") }

// AuditLogPath is the JSON-lines audit trail.
func (p *PathsConfig) AuditLogPath() string { return filepath.Join(p.DataDir, "audit.log") }

// AuthTokenPath is the optional bearer-token file.
func (p *PathsConfig) AuthTokenPath() string { return filepath.Join(p.DataDir, "auth.token") }

// StateConfig tunes persistence and session tracking.
type StateConfig struct {
	// SaveWindowMS is the snapshot save coalescing window.
	SaveWindowMS int `yaml:"save_window_ms" toml:"save_window_ms"`

	// InstanceTTLMinutes is how long an instance survives without a
	// heartbeat before the reaper expires it.
	InstanceTTLMinutes int `yaml:"instance_ttl_minutes" toml:"instance_ttl_minutes"`

	// ObservationTTLMinutes bounds the lifetime of passive port
	// observations.
	ObservationTTLMinutes int `yaml:"observation_ttl_minutes" toml:"observation_ttl_minutes"`
}

// GetSaveWindow returns the save window with the default applied.
func (s *StateConfig) GetSaveWindow() time.Duration {
	if s.SaveWindowMS <= 0 {
		return DefaultSaveWindowMS * time.Millisecond
	}
	return time.Duration(s.SaveWindowMS) * time.Millisecond
}

// GetInstanceTTL returns the instance heartbeat TTL.
func (s *StateConfig) GetInstanceTTL() time.Duration {
	if s.InstanceTTLMinutes <= 0 {
		return DefaultInstanceTTLMin * time.Minute
	}
	return time.Duration(s.InstanceTTLMinutes) * time.Minute
}

// GetObservationTTL returns the observation lifetime.
func (s *StateConfig) GetObservationTTL() time.Duration {
	if s.ObservationTTLMinutes <= 0 {
		return DefaultObservationTTLM * time.Minute
	}
	return time.Duration(s.ObservationTTLMinutes) * time.Minute
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console, pretty
	Output string `yaml:"output" toml:"output"` // stdout, stderr, or file path
	Pretty bool   `yaml:"pretty" toml:"pretty"` // force colored console output
}

// ParseLevel converts the configured level to zerolog.Level, defaulting
// to info on anything unrecognized.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ApplyDefaults fills unset fields. DataDir falls back to
// <user config dir>/styxy.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Paths.DataDir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			c.Paths.DataDir = filepath.Join(base, "styxy")
		} else {
			c.Paths.DataDir = ".styxy"
		}
	}
}

// Default returns a fully-defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
