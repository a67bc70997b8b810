// Package probe answers "is this TCP port bindable on loopback right now?".
//
// The probe is the only authoritative signal for foreign port holders:
// the allocation registry only knows about styxy-managed allocations,
// so the allocator composes both before reserving a port.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Timeout is the hard upper bound for a single probe. A probe that has
// not resolved within this window reports the port as unavailable.
const Timeout = 1 * time.Second

// Prober checks TCP port availability on the loopback interface.
type Prober interface {
	// Probe reports whether a bind on 127.0.0.1:port would succeed right now.
	// Any error (address in use, permission denied, timeout) reports false.
	// Probe never panics and never leaks the socket.
	Probe(ctx context.Context, port int) bool
}

// TCPProber probes by attempting a real loopback bind.
type TCPProber struct {
	logger *zerolog.Logger
}

var _ Prober = (*TCPProber)(nil)

// NewTCPProber creates a prober that binds 127.0.0.1:<port> to test availability.
func NewTCPProber(logger *zerolog.Logger) *TCPProber {
	return &TCPProber{logger: logger}
}

// Probe attempts a loopback TCP bind and releases the socket before returning.
// The 1-second deadline is enforced through the context, not by busy-waiting.
func (p *TCPProber) Probe(ctx context.Context, port int) (available bool) {
	if port < 1 || port > 65535 {
		return false
	}

	// Never propagate a panic out of the probe; an availability check
	// must degrade to "unavailable", not take the daemon down.
	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.Error().Interface("panic", r).Int("port", port).Msg("probe panicked")
			}
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if p.logger != nil {
			p.logger.Debug().Int("port", port).Err(err).Msg("probe: port not bindable")
		}
		return false
	}

	if err := ln.Close(); err != nil && p.logger != nil {
		p.logger.Warn().Int("port", port).Err(err).Msg("probe: listener close failed")
	}

	return true
}

// RateLimited wraps a Prober with a token-bucket limiter. Range scans use
// it so a wide /scan request cannot monopolize the loopback stack.
type RateLimited struct {
	inner   Prober
	limiter *rate.Limiter
}

var _ Prober = (*RateLimited)(nil)

// NewRateLimited creates a rate-limited prober allowing probesPerSecond
// sustained probes with a burst of the same size.
func NewRateLimited(inner Prober, probesPerSecond int) *RateLimited {
	if probesPerSecond <= 0 {
		probesPerSecond = 100
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(probesPerSecond), probesPerSecond),
	}
}

// Probe waits for a limiter token, then delegates. A cancelled context
// reports the port as unavailable, matching the inner prober's contract.
func (r *RateLimited) Probe(ctx context.Context, port int) bool {
	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}
	return r.inner.Probe(ctx, port)
}
