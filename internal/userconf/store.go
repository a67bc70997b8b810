// Package userconf owns the user config file on disk: advisory-locked,
// rename-atomic rewrites with rotating backups. It is the only writer of
// the file; the catalogue reads it, and the auto-allocator mutates it
// through Atomic while holding the same lock it computes ranges under.
//
// The lock is a cross-process flock on a sibling .lock file. The data
// file itself is replaced by temp-file + rename, so short readers that
// skip the lock still never observe a half-written config.
package userconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultLockTimeout bounds the advisory lock wait.
	DefaultLockTimeout = 5 * time.Second

	// DefaultKeepBackups is the rotating backup ring size.
	DefaultKeepBackups = 10

	lockRetryDelay = 25 * time.Millisecond
	backupDirName  = "config-backups"
)

// Store manages one user config path.
type Store struct {
	path            string
	backupDir       string
	lockTimeout     time.Duration
	keepBackups     int
	liveAllocations func(serviceType string) bool
	logger          zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the advisory lock wait bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithKeepBackups overrides the backup ring size.
func WithKeepBackups(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.keepBackups = n
		}
	}
}

// New creates a store for the user config at path. Backups rotate in a
// config-backups directory next to the file.
func New(path string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		path:        path,
		backupDir:   filepath.Join(filepath.Dir(path), backupDirName),
		lockTimeout: DefaultLockTimeout,
		keepBackups: DefaultKeepBackups,
		logger:      logger.With().Str("component", "userconf").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// SetLiveAllocationCheck installs the predicate consulted before a
// service type is removed. Must be set during wiring, before any
// removal runs; a nil predicate disables the guard.
func (s *Store) SetLiveAllocationCheck(fn func(serviceType string) bool) {
	s.liveAllocations = fn
}

// Lock acquires the cross-process advisory lock with a bounded wait and
// returns the unlock function. Callers must unlock even on error paths.
func (s *Store) Lock() (unlock func(), err error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	fl := flock.New(lockPath)
	deadline := time.Now().Add(s.lockTimeout)
	for {
		locked, lockErr := fl.TryLock()
		if lockErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, lockErr)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryDelay)
	}

	return func() {
		if uerr := fl.Unlock(); uerr != nil {
			s.logger.Warn().Err(uerr).Msg("config lock release failed")
		}
	}, nil
}

// Read returns the current config bytes. A missing file reads as an
// empty JSON object so first-boot mutations work unconditionally.
func (s *Store) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("userconf: read %s: %w", s.path, err)
	}
	return data, nil
}

// Atomic runs mutate over the current config bytes under the advisory
// lock and atomically rewrites the file with the result. Returning
// identical bytes skips the write.
func (s *Store) Atomic(mutate func(current []byte) ([]byte, error)) error {
	unlock, err := s.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.atomicLocked(mutate)
}

// AtomicLocked is Atomic for callers that already hold the lock (the
// auto-allocator computes ranges and writes inside one critical section).
func (s *Store) AtomicLocked(mutate func(current []byte) ([]byte, error)) error {
	return s.atomicLocked(mutate)
}

func (s *Store) atomicLocked(mutate func(current []byte) ([]byte, error)) error {
	current, err := s.Read()
	if err != nil {
		return err
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}
	if string(next) == string(current) {
		return nil
	}

	if !gjson.ValidBytes(next) {
		return fmt.Errorf("%w: mutation produced invalid JSON", ErrWriteFailed)
	}

	return s.writeLocked(current, next)
}

// AddServiceType appends a service type entry to the user config.
// The value is written with sjson so unrelated keys keep their shape.
func (s *Store) AddServiceType(name string, entry any) error {
	return s.Atomic(func(current []byte) ([]byte, error) {
		return s.SetServiceType(current, name, entry, false)
	})
}

// RemoveServiceType deletes a service type entry from the user config.
// A type with live allocations is refused; release them first.
func (s *Store) RemoveServiceType(name string) error {
	return s.Atomic(func(current []byte) ([]byte, error) {
		if !gjson.GetBytes(current, serviceTypePath(name)).Exists() {
			return nil, ErrTypeNotFound
		}
		if s.liveAllocations != nil && s.liveAllocations(name) {
			return nil, fmt.Errorf("%w: %s", ErrTypeInUse, name)
		}
		next, err := sjson.DeleteBytes(current, serviceTypePath(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return next, nil
	})
}

// SetServiceType returns current with the named entry set. With
// overwrite false an existing entry is an error. Exposed so the
// auto-allocator can compose it inside its own Atomic mutation.
func (s *Store) SetServiceType(current []byte, name string, entry any, overwrite bool) ([]byte, error) {
	if !overwrite && gjson.GetBytes(current, serviceTypePath(name)).Exists() {
		return nil, ErrTypeExists
	}
	next, err := sjson.SetBytes(current, serviceTypePath(name), entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return next, nil
}

// HasServiceType reports whether the named entry exists in the given bytes.
func (s *Store) HasServiceType(current []byte, name string) bool {
	return gjson.GetBytes(current, serviceTypePath(name)).Exists()
}

// serviceTypePath builds the gjson path for one service type, escaping
// path metacharacters in the name.
func serviceTypePath(name string) string {
	escaped := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(name)
	return "service_types." + escaped
}

// writeLocked backs up the current file, then writes next via temp file,
// fsync, and rename. If a post-rename step fails the backup is restored.
func (s *Store) writeLocked(current, next []byte) error {
	backupPath, err := s.backup(current)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(next); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if err := syncDir(dir); err != nil {
		// Rename already landed; restore the backup so the visible state
		// matches what callers were promised on failure.
		if backupPath != "" {
			if rerr := s.restore(backupPath); rerr != nil {
				s.logger.Error().Err(rerr).Msg("config rollback failed")
			}
		}
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.logger.Debug().Str("path", s.path).Int("bytes", len(next)).Msg("user config written")
	return nil
}

// backup copies the current bytes into the rotating backup directory and
// prunes old entries. Returns the backup path, or "" for a first boot
// with no config file yet.
func (s *Store) backup(current []byte) (string, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return "", nil
	}

	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
	backupPath := filepath.Join(s.backupDir, fmt.Sprintf("config-%s.json", stamp))
	if err := os.WriteFile(backupPath, current, 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.pruneBackups()
	return backupPath, nil
}

// restore copies a backup over the config path.
func (s *Store) restore(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// pruneBackups keeps the most recent keepBackups entries.
func (s *Store) pruneBackups() {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "config-") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.keepBackups {
		return
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.keepBackups] {
		if err := os.Remove(filepath.Join(s.backupDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("backup", name).Msg("backup prune failed")
		}
	}
}

// syncDir fsyncs a directory so the rename is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
