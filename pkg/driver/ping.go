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
	"time"

	goping "github.com/go-ping/ping"
	"k8s.io/klog/v2"

	"github.com/tilt-dev/vnfmon/pkg/config"
	"github.com/tilt-dev/vnfmon/pkg/probe"
)

const PingDriverName = "ping"

// Pinger sends ICMP echo requests to addr and returns the number of
// replies received.
type Pinger func(ctx context.Context, addr string, s config.PingSettings) (received int, err error)

// PingOption configures a PingDriver.
type PingOption func(d *PingDriver)

// WithPinger replaces the function used to send echo requests.
func WithPinger(p Pinger) PingOption {
	return func(d *PingDriver) {
		d.pinger = p
	}
}

// WithPingObserver sets the observer notified of each result.
func WithPingObserver(o ResultObserver) PingOption {
	return func(d *PingDriver) {
		d.observer = o
	}
}

// NewPingDriver creates an ICMP monitor driver. privileged selects raw
// ICMP sockets instead of unprivileged datagram ones.
func NewPingDriver(opts config.PingOptions, privileged bool, options ...PingOption) *PingDriver {
	d := &PingDriver{
		opts:   opts,
		pinger: icmpPinger(privileged),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// PingDriver reports whether the device's management address answers
// ICMP echo requests.
type PingDriver struct {
	opts     config.PingOptions
	pinger   Pinger
	observer ResultObserver
}

var _ Driver = &PingDriver{}

func (d *PingDriver) Type() string { return PingDriverName }

func (d *PingDriver) Name() string { return PingDriverName }

func (d *PingDriver) Description() string { return "Tacker VNFMonitor Ping Driver" }

func (d *PingDriver) MonitorURL(device Device) string {
	return monitorURL(device)
}

// MonitorCall pings args[mgmt_ip]. A single reply is enough to report
// probe.Reachable.
func (d *PingDriver) MonitorCall(ctx context.Context, device Device, args Args) (probe.Result, bool) {
	addr := args[ArgMgmtIP]
	if addr == "" {
		klog.V(4).Infof("Skipping ping monitor for %q: no management address", monitorURL(device))
		return "", false
	}

	opts := config.PingOptions{
		Count:    override(args, ArgCount, d.opts.Count),
		Timeout:  override(args, ArgTimeout, d.opts.Timeout),
		Interval: override(args, ArgInterval, d.opts.Interval),
	}
	result := d.call(ctx, addr, opts)
	if d.observer != nil {
		d.observer.ObserveResult(PingDriverName, result)
	}
	return result, true
}

func (d *PingDriver) call(ctx context.Context, addr string, opts config.PingOptions) probe.Result {
	s, err := opts.Settings()
	if err != nil {
		klog.Errorf("Invalid ping monitor arguments for %s: %v", addr, err)
		return probe.Error
	}
	received, err := d.pinger(ctx, addr, s)
	if err != nil {
		klog.Errorf("Ping to %s failed to run: %v", addr, err)
		return probe.Error
	}
	klog.V(4).Infof("Ping %s: %d/%d replies", addr, received, s.Count)
	if received > 0 {
		return probe.Reachable
	}
	return probe.Unreachable
}

func icmpPinger(privileged bool) Pinger {
	return func(ctx context.Context, addr string, s config.PingSettings) (int, error) {
		p, err := goping.NewPinger(addr)
		if err != nil {
			return 0, err
		}
		p.SetPrivileged(privileged)
		p.Count = s.Count
		p.Interval = s.Interval
		p.Timeout = s.Timeout + time.Duration(s.Count-1)*s.Interval

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.Stop()
			case <-done:
			}
		}()

		if err := p.Run(); err != nil {
			return 0, err
		}
		return p.Statistics().PacketsRecv, nil
	}
}
