package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	styxyro "github.com/styxy-dev/styxy/internal/ro"
)

// DefaultSaveWindow is the coalescing window for snapshot saves.
const DefaultSaveWindow = 500 * time.Millisecond

const requestBuffer = 64

// Saver is the write-behind snapshot pipeline. Mutation hooks call
// Request, which never blocks; a single writer goroutine coalesces
// bursts into one save per window.
type Saver struct {
	store   *Store
	collect func() Snapshot
	window  time.Duration
	logger  zerolog.Logger

	ch        chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// NewSaver creates a saver. collect must return a consistent snapshot of
// the current state; it runs on the writer goroutine, never on the
// allocation path. window <= 0 uses the default.
func NewSaver(store *Store, collect func() Snapshot, window time.Duration, logger zerolog.Logger) *Saver {
	if window <= 0 {
		window = DefaultSaveWindow
	}
	return &Saver{
		store:   store,
		collect: collect,
		window:  window,
		logger:  logger.With().Str("component", "saver").Logger(),
		ch:      make(chan struct{}, requestBuffer),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (s *Saver) Start() {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			batches := styxyro.BufferWithTime(styxyro.StreamFromChannel(s.ch), s.window)
			err := styxyro.Drain(batches, func(batch []struct{}) {
				if len(batch) == 0 {
					return
				}
				s.save()
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("save stream aborted")
			}
		}()
	})
}

// Request enqueues a save. Never blocks: a full buffer means a save is
// already pending, which covers this mutation too.
func (s *Saver) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Close drains pending requests and writes one final snapshot. Idempotent.
func (s *Saver) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		s.Start() // ensure the drain ran so the channel empties
		<-s.done
		s.save()
	})
}

func (s *Saver) save() {
	if err := s.store.Save(s.collect()); err != nil {
		s.logger.Error().Err(err).Msg("snapshot save failed")
	}
}
