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

package driver

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/tilt-dev/vnfmon/pkg/config"
	"github.com/tilt-dev/vnfmon/pkg/probe"
)

const PortDriverName = "port"

// PortOption configures a PortDriver.
type PortOption func(d *PortDriver)

// WithPortProber replaces the prober used by the driver.
func WithPortProber(p probe.Prober) PortOption {
	return func(d *PortDriver) {
		d.prober = p
	}
}

// WithPortObserver sets the observer notified of each result.
func WithPortObserver(o ResultObserver) PortOption {
	return func(d *PortDriver) {
		d.observer = o
	}
}

// NewPortDriver creates a port monitor driver using opts as defaults for
// every call.
func NewPortDriver(opts config.PortOptions, options ...PortOption) *PortDriver {
	d := &PortDriver{
		opts:   opts,
		prober: probe.NewPort(),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// PortDriver reports whether a TCP or UDP port on the device's management
// address is reachable.
type PortDriver struct {
	opts     config.PortOptions
	prober   probe.Prober
	observer ResultObserver
}

var _ Driver = &PortDriver{}

func (d *PortDriver) Type() string { return PortDriverName }

func (d *PortDriver) Name() string { return PortDriverName }

func (d *PortDriver) Description() string { return "Tacker VNFMonitor Port Driver" }

func (d *PortDriver) MonitorURL(device Device) string {
	klog.V(4).Infof("monitor_url %v", device)
	return monitorURL(device)
}

// MonitorCall probes args[mgmt_ip]. Per-call args override the driver
// options. Invalid args produce probe.Error without opening a socket.
func (d *PortDriver) MonitorCall(ctx context.Context, device Device, args Args) (probe.Result, bool) {
	addr := args[ArgMgmtIP]
	if addr == "" {
		klog.V(4).Infof("Skipping port monitor for %q: no management address", monitorURL(device))
		return "", false
	}

	opts := config.PortOptions{
		Count:     override(args, ArgCount, d.opts.Count),
		Timeout:   override(args, ArgTimeout, d.opts.Timeout),
		SockMode:  override(args, ArgSockMode, d.opts.SockMode),
		ScanPorts: override(args, ArgScanPorts, d.opts.ScanPorts),
	}
	result := d.call(ctx, addr, opts)
	if d.observer != nil {
		d.observer.ObserveResult(PortDriverName, result)
	}
	return result, true
}

func (d *PortDriver) call(ctx context.Context, addr string, opts config.PortOptions) probe.Result {
	cfg, err := opts.ProbeConfig(addr)
	if err != nil {
		klog.Errorf("Invalid port monitor arguments for %s: %v", addr, err)
		return probe.Error
	}

	result, output, err := d.prober.Probe(ctx, cfg)
	switch {
	case err != nil:
		klog.Errorf("Port probe for %s:%d failed to run: %v", addr, cfg.Port, err)
	case !result.Healthy():
		klog.V(2).Infof("Port %s:%d/%s unreachable: %s", addr, cfg.Port, cfg.Transport.Network(), output)
	}
	return result
}
