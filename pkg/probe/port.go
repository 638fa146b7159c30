/*
Copyright 2015 The Kubernetes Authors.
Modified 2021 Windmill Engineering.

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
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"k8s.io/klog/v2"
)

// Dialer opens a connection for a single attempt.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &net.Dialer{}

// AttemptFunc is invoked after every attempt. err is nil when the
// attempt connected.
type AttemptFunc func(cfg Config, attempt int, err error)

// PortOption configures a Port probe.
type PortOption func(p *Port)

// WithDialer replaces the dialer used for each attempt.
func WithDialer(d Dialer) PortOption {
	return func(p *Port) {
		p.dialer = d
	}
}

// WithAttemptFunc sets a callback invoked after every attempt.
func WithAttemptFunc(f AttemptFunc) PortOption {
	return func(p *Port) {
		p.attemptFunc = f
	}
}

// NewPort creates a port reachability probe.
func NewPort(opts ...PortOption) Port {
	p := Port{dialer: &net.Dialer{}}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Port checks whether a TCP or UDP port accepts connections, retrying a
// bounded number of times.
type Port struct {
	dialer      Dialer
	attemptFunc AttemptFunc
}

var _ Prober = Port{}

// Probe attempts to connect to cfg.Address:cfg.Port up to cfg.MaxAttempts
// times, back to back, each attempt bounded by cfg.Timeout. The first
// successful attempt returns Reachable. If every attempt fails it returns
// Unreachable, with the last attempt error as output. An invalid config, a
// failure to create the socket, or a fault inside an attempt returns Error
// without further attempts.
//
// Datagram attempts are stricter than a bare UDP connect, which never
// fails: the port must not answer with an ICMP port unreachable. A host
// that drops the datagram silently is still reported Reachable.
func (p Port) Probe(ctx context.Context, cfg Config) (Result, string, error) {
	if err := cfg.Validate(); err != nil {
		return Error, "", fmt.Errorf("%w: %v", ErrTransportFault, err)
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	var lastErr error
	remaining := cfg.MaxAttempts
	for remaining > 0 {
		attempt := cfg.MaxAttempts - remaining + 1
		err := p.attempt(ctx, cfg, addr)
		if p.attemptFunc != nil {
			p.attemptFunc(cfg, attempt, err)
		}
		if err == nil {
			klog.V(4).Infof("Port %s/%s open (attempt %d)", addr, cfg.Transport.Network(), attempt)
			return Reachable, "", nil
		}
		if errors.Is(err, ErrTransportFault) {
			return Error, "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Error, "", fmt.Errorf("%w: %v", ErrTransportFault, ctxErr)
		}
		klog.V(4).Infof("Port %s/%s closed (attempt %d): %v", addr, cfg.Transport.Network(), attempt, err)
		lastErr = err
		remaining--
	}
	return Unreachable, fmt.Sprintf("%v after %d attempts: %v", ErrAttemptsExhausted, cfg.MaxAttempts, lastErr), nil
}

// attempt opens a fresh socket and checks connectivity once. The socket
// is always closed before returning.
func (p Port) attempt(ctx context.Context, cfg Config, addr string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTransportFault, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, cfg.Transport.Network(), addr)
	if err != nil {
		if isSocketFault(err) {
			return fmt.Errorf("%w: %v", ErrTransportFault, err)
		}
		// Convert errors to failures to handle timeouts.
		return fmt.Errorf("%w: %v", ErrConnectivityRefused, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			klog.Errorf("Unexpected error closing port probe socket: %v (%#v)", cerr, cerr)
		}
	}()

	if cfg.Transport == Datagram {
		return checkDatagram(ctx, conn)
	}
	return nil
}

// checkDatagram sends a one byte datagram over a connected UDP socket and
// waits for the peer to reject it. An ICMP port unreachable surfaces as
// ECONNREFUSED on read; silence until the deadline or any reply counts as
// reachable.
func checkDatagram(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectivityRefused, err)
		}
	}
	if _, err := conn.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivityRefused, err)
	}
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectivityRefused, err)
}

// socketFaults are errno values raised while creating a socket rather than
// by the remote end.
var socketFaults = []syscall.Errno{
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.ENOBUFS,
	syscall.EAFNOSUPPORT,
}

// isSocketFault reports whether a dial error means the local socket could
// not be created.
func isSocketFault(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
		return true
	}
	for _, errno := range socketFaults {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
