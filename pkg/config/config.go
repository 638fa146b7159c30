/*
Copyright 2021 Windmill Engineering.

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

// Package config holds the monitor driver options. Options are plain
// strings, as operators write them, and are parsed when a probe is built.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	utilnet "k8s.io/utils/net"

	"github.com/tilt-dev/vnfmon/pkg/probe"
)

const (
	PortNamespace = "monitor_port"
	PingNamespace = "monitor_ping"
)

// PortOptions configures the port monitor driver.
type PortOptions struct {
	// Count is the number of attempts before the port is declared down.
	Count string
	// Timeout is the number of seconds to wait for each attempt.
	Timeout string
	// SockMode is 1 for TCP, 0 for UDP.
	SockMode string
	// ScanPorts is the target port.
	ScanPorts string
}

// DefaultPortOptions returns the registered defaults.
func DefaultPortOptions() PortOptions {
	return PortOptions{
		Count:     "3",
		Timeout:   "1",
		SockMode:  "1",
		ScanPorts: "22",
	}
}

// AddFlags registers the port options on fs.
func (o *PortOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Count, flagName(PortNamespace, "count"), o.Count, "number of checking port to decide port error")
	fs.StringVar(&o.Timeout, flagName(PortNamespace, "timeout"), o.Timeout, "number of seconds to wait for a response")
	fs.StringVar(&o.SockMode, flagName(PortNamespace, "sockmode"), o.SockMode, "socket mode of TCP, UDP (TCP:1, UDP:0)")
	fs.StringVar(&o.ScanPorts, flagName(PortNamespace, "scanports"), o.ScanPorts, "number of target port")
}

// ApplyEnv overrides options from MONITOR_PORT_* variables. Options whose
// flag was set explicitly on fs are left alone; fs may be nil.
func (o *PortOptions) ApplyEnv(fs *pflag.FlagSet) {
	applyEnv(fs, PortNamespace, "count", &o.Count)
	applyEnv(fs, PortNamespace, "timeout", &o.Timeout)
	applyEnv(fs, PortNamespace, "sockmode", &o.SockMode)
	applyEnv(fs, PortNamespace, "scanports", &o.ScanPorts)
}

// ProbeConfig parses the options into a probe.Config for address.
func (o PortOptions) ProbeConfig(address string) (probe.Config, error) {
	cfg := probe.DefaultConfig(address)

	count, err := parseCount(o.Count)
	if err != nil {
		return cfg, err
	}
	cfg.MaxAttempts = count

	timeout, err := ParseSeconds(o.Timeout)
	if err != nil {
		return cfg, err
	}
	cfg.Timeout = timeout

	transport, err := probe.ParseSockMode(strings.TrimSpace(o.SockMode))
	if err != nil {
		return cfg, err
	}
	cfg.Transport = transport

	port, err := utilnet.ParsePort(strings.TrimSpace(o.ScanPorts), false)
	if err != nil {
		return cfg, fmt.Errorf("invalid scanports %q: %v", o.ScanPorts, err)
	}
	cfg.Port = port

	return cfg, cfg.Validate()
}

// PingOptions configures the ping monitor driver.
type PingOptions struct {
	// Count is the number of ICMP echo requests to send.
	Count string
	// Timeout is the number of seconds to wait for replies.
	Timeout string
	// Interval is the number of seconds between requests.
	Interval string
}

func DefaultPingOptions() PingOptions {
	return PingOptions{
		Count:    "1",
		Timeout:  "1",
		Interval: "0.2",
	}
}

// AddFlags registers the ping options on fs.
func (o *PingOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Count, flagName(PingNamespace, "count"), o.Count, "number of ICMP packets to send")
	fs.StringVar(&o.Timeout, flagName(PingNamespace, "timeout"), o.Timeout, "number of seconds to wait for a response")
	fs.StringVar(&o.Interval, flagName(PingNamespace, "interval"), o.Interval, "number of seconds between packets")
}

// ApplyEnv overrides options from MONITOR_PING_* variables, skipping
// options explicitly set on fs.
func (o *PingOptions) ApplyEnv(fs *pflag.FlagSet) {
	applyEnv(fs, PingNamespace, "count", &o.Count)
	applyEnv(fs, PingNamespace, "timeout", &o.Timeout)
	applyEnv(fs, PingNamespace, "interval", &o.Interval)
}

// PingSettings is the parsed form of PingOptions.
type PingSettings struct {
	Count    int
	Timeout  time.Duration
	Interval time.Duration
}

// Settings parses the options.
func (o PingOptions) Settings() (PingSettings, error) {
	var s PingSettings
	var err error
	if s.Count, err = parseCount(o.Count); err != nil {
		return s, err
	}
	if s.Timeout, err = ParseSeconds(o.Timeout); err != nil {
		return s, err
	}
	if s.Interval, err = ParseSeconds(o.Interval); err != nil {
		return s, err
	}
	return s, nil
}

// LoadEnv loads dotenv files into the process environment. Missing files
// are ignored; variables already set take precedence.
func LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files %v: %w", existing, err)
	}
	return nil
}

// maxSeconds bounds the values a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// ParseSeconds parses a positive number of seconds, e.g. "1" or "0.5".
func ParseSeconds(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds %q: %v", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid seconds %q: must be finite", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid seconds %q: must be positive", s)
	}
	if v >= maxSeconds {
		return 0, fmt.Errorf("invalid seconds %q: must be less than %.0f", s, maxSeconds)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %v", s, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid count %q: must be positive", s)
	}
	return n, nil
}

func flagName(namespace, opt string) string {
	return strings.ReplaceAll(namespace, "_", "-") + "-" + opt
}

func envName(namespace, opt string) string {
	return strings.ToUpper(namespace + "_" + opt)
}

func applyEnv(fs *pflag.FlagSet, namespace, opt string, dst *string) {
	if fs != nil && fs.Changed(flagName(namespace, opt)) {
		return
	}
	if v, ok := os.LookupEnv(envName(namespace, opt)); ok && v != "" {
		*dst = v
	}
}
