package probe

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProber_FreePort(t *testing.T) {
	p := NewTCPProber(nil)

	// Grab a free port from the kernel, close it, probe it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	assert.True(t, p.Probe(context.Background(), port))
}

func TestTCPProber_HeldPort(t *testing.T) {
	p := NewTCPProber(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, p.Probe(context.Background(), port))
}

func TestTCPProber_InvalidPort(t *testing.T) {
	p := NewTCPProber(nil)

	assert.False(t, p.Probe(context.Background(), 0))
	assert.False(t, p.Probe(context.Background(), -1))
	assert.False(t, p.Probe(context.Background(), 70000))
}

func TestTCPProber_ReleasesSocket(t *testing.T) {
	p := NewTCPProber(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	require.True(t, p.Probe(context.Background(), port))

	// The probe must not still hold the port.
	ln2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, ln2.Close())
}

func TestTCPProber_CancelledContext(t *testing.T) {
	p := NewTCPProber(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, p.Probe(ctx, 18080))
}

func TestRateLimited_Delegates(t *testing.T) {
	inner := NewTCPProber(nil)
	limited := NewRateLimited(inner, 1000)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, limited.Probe(context.Background(), port))
}

func TestRateLimited_CancelledContext(t *testing.T) {
	limited := NewRateLimited(NewTCPProber(nil), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Exhaust the burst, then the next probe must fail fast on the deadline.
	_ = limited.Probe(ctx, 1)
	assert.False(t, limited.Probe(ctx, 1))
}
