// Package state persists the daemon snapshot: the full allocation table,
// the singleton map, and the instance set. The snapshot is the only
// durable state the daemon owns; the user config belongs to userconf.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/styxy-dev/styxy/internal/instances"
	"github.com/styxy-dev/styxy/internal/registry"
)

// ErrCorrupt marks a snapshot file that exists but does not decode.
var ErrCorrupt = errors.New("state: snapshot corrupt")

// Snapshot is the durable shape on disk.
type Snapshot struct {
	Allocations []registry.Allocation            `json:"allocations"`
	Singletons  map[string]registry.SingletonRef `json:"singletonServices"`
	Instances   []instances.Instance             `json:"instances"`
	Version     string                           `json:"version"`
}

// Empty returns a fresh snapshot carrying the given version tag.
func Empty(version string) Snapshot {
	return Snapshot{
		Allocations: []registry.Allocation{},
		Singletons:  map[string]registry.SingletonRef{},
		Instances:   []instances.Instance{},
		Version:     version,
	}
}

// Store reads and writes the snapshot file.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a store for the snapshot at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "state").Logger(),
	}
}

// Path returns the snapshot path.
func (s *Store) Path() string {
	return s.path
}

// Load decodes the snapshot. A missing file returns an empty snapshot
// and no error; an undecodable file returns ErrCorrupt so recovery can
// back it up and start clean.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Empty(""), nil
	}
	if err != nil {
		return Empty(""), fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Empty(""), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Allocations == nil || snap.Singletons == nil {
		return Empty(""), fmt.Errorf("%w: missing required sections", ErrCorrupt)
	}
	return snap, nil
}

// Save writes the snapshot via temp file, fsync, and rename.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: %w", err)
	}

	s.logger.Debug().
		Int("allocations", len(snap.Allocations)).
		Int("instances", len(snap.Instances)).
		Msg("snapshot saved")
	return nil
}

// BackupCorrupt moves the unreadable snapshot aside as
// <path>.corrupt.<epoch> and returns the backup path.
func (s *Store) BackupCorrupt() (string, error) {
	backupPath := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, backupPath); err != nil {
		return "", fmt.Errorf("state: backup corrupt snapshot: %w", err)
	}
	s.logger.Warn().Str("backup", backupPath).Msg("corrupt snapshot preserved")
	return backupPath, nil
}
