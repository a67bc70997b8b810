package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher monitors the user service-type config for external edits and
// triggers a catalogue reload. It watches the parent directory so the
// temp-file + rename pattern used by the config writer (and by editors)
// is detected, and debounces rapid event bursts.
type Watcher struct {
	path          string
	fsWatcher     *fsnotify.Watcher
	onChange      func()
	debounceDelay time.Duration
	logger        zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay overrides the default 100ms debounce window.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceDelay = d
		}
	}
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine after the debounce window closes; it must do its own
// locking.
func NewWatcher(path string, onChange func(), logger zerolog.Logger, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		fsWatcher:     fsWatcher,
		onChange:      onChange,
		debounceDelay: 100 * time.Millisecond,
		logger:        logger.With().Str("component", "config-watcher").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// Watch blocks processing events until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.stopTimer()
	targetFile := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != targetFile {
				continue
			}
			// Chmod noise from indexers is ignored.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload(ctx)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.fsWatcher.Close()
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		w.logger.Debug().Str("path", w.path).Msg("user config changed")
		w.onChange()
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
