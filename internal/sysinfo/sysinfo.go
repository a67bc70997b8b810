// Package sysinfo answers OS-level questions: is a PID alive, what
// process listens on a port, how much memory does the host have. Port
// identification walks the kernel connection table, which can be slow or
// restricted; a circuit breaker sheds that work when it keeps failing so
// check/scan stay fast.
package sysinfo

import (
	"errors"
	"fmt"
	"time"

	gops "github.com/mitchellh/go-ps"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sony/gobreaker/v2"
)

// ErrIdentifyUnavailable is returned while the identification breaker is
// open.
var ErrIdentifyUnavailable = errors.New("sysinfo: port identification unavailable")

// PortOwner describes the process listening on a port, if resolvable.
type PortOwner struct {
	ProcessID   int    `json:"process_id"`
	ProcessName string `json:"process_name,omitempty"`
	Command     string `json:"command,omitempty"`
}

// MemoryStats is the host memory view for the status endpoint.
type MemoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// System is the live implementation backed by go-ps and gopsutil.
type System struct {
	breaker *gobreaker.CircuitBreaker[PortOwner]
	logger  zerolog.Logger
}

// New creates a System. The identification breaker opens after five
// consecutive failures and probes again after 30 seconds.
func New(logger zerolog.Logger) *System {
	log := logger.With().Str("component", "sysinfo").Logger()

	settings := gobreaker.Settings{
		Name:    "port-identify",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// An empty result is an answer, not a failure; only connection
		// table errors count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoOwner)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := log.Info()
			if to == gobreaker.StateOpen {
				event = log.Warn()
			}
			event.
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &System{
		breaker: gobreaker.NewCircuitBreaker[PortOwner](settings),
		logger:  log,
	}
}

// ProcessAlive reports whether a PID exists. Errors from the process
// table read as not-alive: a dead verdict at worst delays cleanup by one
// reaper tick.
func (s *System) ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := gops.FindProcess(pid)
	if err != nil {
		s.logger.Debug().Err(err).Int("pid", pid).Msg("process lookup failed")
		return false
	}
	return p != nil
}

// IdentifyPort resolves the process listening on a loopback port.
// Returns ErrIdentifyUnavailable while the breaker is open, ErrNoOwner
// when nothing listens there.
func (s *System) IdentifyPort(port int) (PortOwner, error) {
	owner, err := s.breaker.Execute(func() (PortOwner, error) {
		return identify(port)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return PortOwner{}, ErrIdentifyUnavailable
	}
	return owner, err
}

// ErrNoOwner means no listening socket was found on the port.
var ErrNoOwner = errors.New("sysinfo: no process listening")

func identify(port int) (PortOwner, error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return PortOwner{}, fmt.Errorf("sysinfo: connection table: %w", err)
	}

	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port || conn.Pid <= 0 {
			continue
		}
		owner := PortOwner{ProcessID: int(conn.Pid)}
		if proc, perr := process.NewProcess(conn.Pid); perr == nil {
			if name, nerr := proc.Name(); nerr == nil {
				owner.ProcessName = name
			}
			if cmd, cerr := proc.Cmdline(); cerr == nil {
				owner.Command = cmd
			}
		}
		return owner, nil
	}
	return PortOwner{}, ErrNoOwner
}

// Memory reads host memory stats.
func (s *System) Memory() (MemoryStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryStats{}, fmt.Errorf("sysinfo: memory stats: %w", err)
	}
	return MemoryStats{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		UsedPercent:    vm.UsedPercent,
	}, nil
}
