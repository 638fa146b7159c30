/*
Copyright 2015 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDialRefused = errors.New("connect: connection refused")

type trackedConn struct {
	net.Conn
	closed *int
}

func (c trackedConn) Close() error {
	*c.closed++
	return c.Conn.Close()
}

// scriptedDialer fails the first `failures` dials and succeeds after.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	networks []string
	addrs    []string
	closed   int
}

func (d *scriptedDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.networks = append(d.networks, network)
	d.addrs = append(d.addrs, address)
	if len(d.networks) <= d.failures {
		return nil, errDialRefused
	}
	c, _ := net.Pipe()
	return trackedConn{Conn: c, closed: &d.closed}, nil
}

func (d *scriptedDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.networks)
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type panickingDialer struct{}

func (panickingDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	panic("socket: too many open files")
}

// errorDialer always fails with err.
type errorDialer struct {
	err   error
	calls int
}

func (d *errorDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.calls++
	return nil, d.err
}

func testConfig(attempts int) Config {
	cfg := DefaultConfig("192.0.2.1")
	cfg.MaxAttempts = attempts
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func TestPortProbeAttempts(t *testing.T) {
	tests := []struct {
		name             string
		failures         int
		maxAttempts      int
		expectedResult   Result
		expectedAttempts int
	}{
		{"open on first attempt", 0, 3, Reachable, 1},
		{"closed on every attempt", 100, 3, Unreachable, 3},
		{"fails twice then succeeds", 2, 3, Reachable, 3},
		{"single attempt closed", 100, 1, Unreachable, 1},
		{"many attempts closed", 100, 7, Unreachable, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &scriptedDialer{failures: tt.failures}
			p := NewPort(WithDialer(d))

			result, output, err := p.Probe(context.Background(), testConfig(tt.maxAttempts))
			require.NoError(t, err)
			assert.Equal(t, tt.expectedResult, result)
			assert.Equal(t, tt.expectedAttempts, d.attempts())
			if result == Unreachable {
				assert.Contains(t, output, ErrAttemptsExhausted.Error())
				assert.Contains(t, output, errDialRefused.Error())
			} else {
				assert.Empty(t, output)
				assert.Equal(t, 1, d.closed, "successful socket should be closed")
			}
		})
	}
}

func TestPortProbeTransport(t *testing.T) {
	for _, transport := range []Transport{Stream, Datagram} {
		t.Run(transport.String(), func(t *testing.T) {
			d := &scriptedDialer{failures: 100}
			cfg := testConfig(3)
			cfg.Transport = transport

			result, _, err := NewPort(WithDialer(d)).Probe(context.Background(), cfg)
			require.NoError(t, err)
			assert.Equal(t, Unreachable, result)
			for _, network := range d.networks {
				assert.Equal(t, transport.Network(), network)
			}
			for _, addr := range d.addrs {
				assert.Equal(t, "192.0.2.1:22", addr)
			}
		})
	}
}

func TestPortProbeTimeoutBoundsEachAttempt(t *testing.T) {
	cfg := testConfig(3)
	start := time.Now()
	result, _, err := NewPort(WithDialer(blockingDialer{})).Probe(context.Background(), cfg)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, Unreachable, result)
	assert.GreaterOrEqual(t, int64(elapsed), int64(3*cfg.Timeout))
	assert.Less(t, int64(elapsed), int64(2*time.Second))
}

func TestPortProbeFault(t *testing.T) {
	var attempts []int
	p := NewPort(WithDialer(panickingDialer{}), WithAttemptFunc(func(_ Config, attempt int, _ error) {
		attempts = append(attempts, attempt)
	}))

	result, _, err := p.Probe(context.Background(), testConfig(3))
	assert.Equal(t, Error, result)
	assert.ErrorIs(t, err, ErrTransportFault)
	assert.Equal(t, []int{1}, attempts)
}

func TestPortProbeSocketFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"socket syscall", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", syscall.EMFILE)}},
		{"no file descriptors", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ENFILE)}},
		{"no buffer space", &net.OpError{Op: "dial", Net: "udp", Err: syscall.ENOBUFS}},
		{"address family", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EAFNOSUPPORT}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &errorDialer{err: tt.err}
			result, output, err := NewPort(WithDialer(d)).Probe(context.Background(), testConfig(3))
			assert.Equal(t, Error, result)
			assert.ErrorIs(t, err, ErrTransportFault)
			assert.Empty(t, output)
			assert.Equal(t, 1, d.calls, "socket faults should not be retried")
		})
	}
}

func TestPortProbeConnectErrorsRetried(t *testing.T) {
	d := &errorDialer{err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}}
	result, _, err := NewPort(WithDialer(d)).Probe(context.Background(), testConfig(3))
	require.NoError(t, err)
	assert.Equal(t, Unreachable, result)
	assert.Equal(t, 3, d.calls)
}

func TestPortProbeInvalidConfig(t *testing.T) {
	d := &scriptedDialer{}
	p := NewPort(WithDialer(d))

	for name, mutate := range map[string]func(*Config){
		"port zero":      func(c *Config) { c.Port = 0 },
		"port too large": func(c *Config) { c.Port = 65536 },
		"no attempts":    func(c *Config) { c.MaxAttempts = 0 },
		"no timeout":     func(c *Config) { c.Timeout = 0 },
		"no address":     func(c *Config) { c.Address = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(3)
			mutate(&cfg)
			result, _, err := p.Probe(context.Background(), cfg)
			assert.Equal(t, Error, result)
			assert.ErrorIs(t, err, ErrTransportFault)
		})
	}
	assert.Zero(t, d.attempts())
}

func TestPortProbeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, _, err := NewPort(WithDialer(blockingDialer{})).Probe(ctx, testConfig(3))
	assert.Equal(t, Error, result)
	assert.ErrorIs(t, err, ErrTransportFault)
}

func TestPortProbeAttemptFunc(t *testing.T) {
	var errs []error
	d := &scriptedDialer{failures: 1}
	p := NewPort(WithDialer(d), WithAttemptFunc(func(_ Config, _ int, err error) {
		errs = append(errs, err)
	}))

	result, _, err := p.Probe(context.Background(), testConfig(3))
	require.NoError(t, err)
	assert.Equal(t, Reachable, result)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrConnectivityRefused)
	assert.NoError(t, errs[1])
}

func splitHostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestPortProbeTCPLoopback(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	host, port := splitHostPort(t, l.Addr())

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, closedPort := splitHostPort(t, closed.Addr())
	require.NoError(t, closed.Close())

	tests := []struct {
		port           int
		expectedResult Result
	}{
		{port, Reachable},
		{closedPort, Unreachable},
	}
	for i, tt := range tests {
		cfg := DefaultConfig(host)
		cfg.Port = tt.port
		result, _, err := NewPort().Probe(context.Background(), cfg)
		if result != tt.expectedResult {
			t.Errorf("#%d: expected result=%v, got=%v", i, tt.expectedResult, result)
		}
		assert.NoError(t, err)
	}
}

func TestPortProbeUDPLoopback(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	host, port := splitHostPort(t, pc.LocalAddr())

	closed, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	_, closedPort := splitHostPort(t, closed.LocalAddr())
	require.NoError(t, closed.Close())

	cfg := DefaultConfig(host)
	cfg.Transport = Datagram
	cfg.Timeout = 100 * time.Millisecond

	cfg.Port = port
	result, _, err := NewPort().Probe(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, Reachable, result)

	cfg.Port = closedPort
	result, _, err = NewPort().Probe(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, Unreachable, result)
}

func TestParseSockMode(t *testing.T) {
	tr, err := ParseSockMode("1")
	require.NoError(t, err)
	assert.Equal(t, Stream, tr)

	tr, err = ParseSockMode("0")
	require.NoError(t, err)
	assert.Equal(t, Datagram, tr)

	_, err = ParseSockMode("tcp")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("10.0.0.5")
	assert.Equal(t, Config{
		Address:     "10.0.0.5",
		Port:        22,
		Transport:   Stream,
		MaxAttempts: 3,
		Timeout:     time.Second,
	}, cfg)
	assert.NoError(t, cfg.Validate())
}
