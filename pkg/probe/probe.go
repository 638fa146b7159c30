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
	"time"
)

// Result is the outcome of a reachability probe.
type Result string

const (
	// Reachable means at least one attempt connected.
	Reachable Result = "reachable"
	// Unreachable means every attempt failed.
	Unreachable Result = "unreachable"
	// Error means the probe itself faulted and the target was never
	// conclusively checked.
	Error Result = "error"
)

// Healthy reports whether the result should be treated as alive.
func (r Result) Healthy() bool {
	return r == Reachable
}

var (
	// ErrConnectivityRefused is returned for a single failed attempt. It
	// is handled inside the retry loop and never escapes Probe.
	ErrConnectivityRefused = errors.New("connectivity refused")
	// ErrAttemptsExhausted describes an Unreachable result.
	ErrAttemptsExhausted = errors.New("all attempts failed")
	// ErrTransportFault is returned alongside an Error result.
	ErrTransportFault = errors.New("transport fault")
	// ErrPreconditionUnmet means no target address was given.
	ErrPreconditionUnmet = errors.New("no target address")
)

// Transport selects the kind of socket a probe opens.
type Transport int

const (
	// Stream is connection-oriented (TCP).
	Stream Transport = iota
	// Datagram is connectionless (UDP).
	Datagram
)

// Network returns the network name passed to the dialer.
func (t Transport) Network() string {
	if t == Datagram {
		return "udp"
	}
	return "tcp"
}

func (t Transport) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	}
	return fmt.Sprintf("Transport(%d)", int(t))
}

// ParseSockMode maps the legacy sockmode option ("1" for TCP, "0" for
// UDP) to a Transport.
func ParseSockMode(mode string) (Transport, error) {
	switch mode {
	case "1":
		return Stream, nil
	case "0":
		return Datagram, nil
	}
	return Stream, fmt.Errorf("invalid sockmode %q: must be 1 (TCP) or 0 (UDP)", mode)
}

const (
	DefaultPort        = 22
	DefaultMaxAttempts = 3
	DefaultTimeout     = 1 * time.Second
)

// Config describes a single probe invocation. It is built per call and
// never shared.
type Config struct {
	Address     string
	Port        int
	Transport   Transport
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultConfig returns a Config for address with the default port,
// attempt count, timeout and transport.
func DefaultConfig(address string) Config {
	return Config{
		Address:     address,
		Port:        DefaultPort,
		Transport:   Stream,
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
	}
}

// Validate checks that c can be probed.
func (c Config) Validate() error {
	if c.Address == "" {
		return ErrPreconditionUnmet
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.Transport != Stream && c.Transport != Datagram {
		return fmt.Errorf("invalid transport %v", c.Transport)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid attempt count %d: must be positive", c.MaxAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %v: must be positive", c.Timeout)
	}
	return nil
}

// Prober checks reachability of the endpoint described by a Config.
type Prober interface {
	// Probe executes a bounded attempt sequence.
	//
	// result is the reachability outcome
	// output is optional detail (such as the last dial error)
	// err is set only when result is Error
	Probe(ctx context.Context, cfg Config) (result Result, output string, err error)
}

// ProberFunc is a functional version of Prober.
type ProberFunc func(ctx context.Context, cfg Config) (Result, string, error)

// Probe executes a bounded attempt sequence.
func (f ProberFunc) Probe(ctx context.Context, cfg Config) (Result, string, error) {
	return f(ctx, cfg)
}
