// Package audit writes the daemon's audit trail: JSON-lines, one event
// per line, size-rotated with a bounded ring of older files. Events flow
// through a buffered channel into a single writer goroutine so emitters
// never block on disk I/O.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	styxyro "github.com/styxy-dev/styxy/internal/ro"
)

// Audit action names emitted by the daemon.
const (
	ActionAutoAllocation         = "AUTO_ALLOCATION"
	ActionStaleAllocationCleaned = "STALE_ALLOCATION_CLEANED"
	ActionSystemRecoveryComplete = "SYSTEM_RECOVERY_COMPLETE"
	ActionInstanceExpired        = "INSTANCE_EXPIRED"
	ActionDaemonStarted          = "DAEMON_STARTED"
	ActionDaemonStopped          = "DAEMON_STOPPED"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 10
	bufferSize        = 256
)

// Event is one audit record. Fields are flattened next to the envelope
// keys when serialized.
type Event struct {
	Timestamp time.Time
	Action    string
	Fields    map[string]any
}

// MarshalJSON flattens the event into {timestamp, action, ...fields}.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	flat["action"] = e.Action
	return json.Marshal(flat)
}

// Logger is the asynchronous audit writer.
type Logger struct {
	ch     chan Event
	out    *lumberjack.Logger
	logger zerolog.Logger
	clock  func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
}

// New creates an audit logger writing to path. Start must be called
// before events are drained; Emit before Start only buffers.
func New(path string, logger zerolog.Logger) *Logger {
	return &Logger{
		ch: make(chan Event, bufferSize),
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
		},
		logger: logger.With().Str("component", "audit").Logger(),
		clock:  time.Now,
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine draining the event stream.
func (l *Logger) Start() {
	l.startOnce.Do(func() {
		go func() {
			defer close(l.done)
			err := styxyro.Drain(styxyro.StreamFromChannel(l.ch), l.write)
			if err != nil {
				l.logger.Error().Err(err).Msg("audit stream aborted")
			}
		}()
	})
}

// Emit queues an audit event. Emission never blocks: if the buffer is
// full the event is dropped and counted against the daemon log instead.
func (l *Logger) Emit(action string, fields map[string]any) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	ev := Event{Timestamp: l.clock(), Action: action, Fields: fields}
	select {
	case l.ch <- ev:
	default:
		l.logger.Warn().Str("action", action).Msg("audit buffer full, event dropped")
	}
	l.mu.Unlock()
}

// Close flushes queued events and closes the underlying file. Idempotent.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()

		l.Start() // ensure the drain ran at least once so the channel empties
		<-l.done
		err = l.out.Close()
	})
	return err
}

// write serializes one event as a JSON line.
func (l *Logger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error().Err(err).Str("action", ev.Action).Msg("audit event marshal failed")
		return
	}
	line = append(line, '\n')
	if _, err := l.out.Write(line); err != nil {
		l.logger.Error().Err(err).Msg("audit write failed")
	}
}
