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

// Package driver contains VNF monitor drivers. A driver is loaded by the
// host monitoring framework, which calls MonitorCall for each device it
// watches.
package driver

import (
	"context"

	"github.com/tilt-dev/vnfmon/pkg/probe"
)

// Keys understood in Device and Args.
const (
	KeyMonitorURL = "monitor_url"
	ArgMgmtIP     = "mgmt_ip"
	ArgCount      = "count"
	ArgTimeout    = "timeout"
	ArgSockMode   = "sockmode"
	ArgScanPorts  = "scanports"
	ArgInterval   = "interval"
)

// legacyFailure is the failure marker reported at the legacy boundary.
const legacyFailure = "failure"

// Device is the host's record of a monitored VNF.
type Device map[string]string

// Args are the per-call arguments supplied by the host. Unset keys fall
// back to the driver's options.
type Args map[string]string

// Driver is a monitor driver.
type Driver interface {
	// Type is the driver type the host dispatches on.
	Type() string
	// Name is the registered driver name.
	Name() string
	// Description is a human readable summary.
	Description() string
	// MonitorURL returns the device's monitor URL, or "".
	MonitorURL(device Device) string
	// MonitorCall checks the device once.
	//
	// ok is false when no check was run because args carry no management
	// address; result is meaningless in that case.
	MonitorCall(ctx context.Context, device Device, args Args) (result probe.Result, ok bool)
}

// ResultObserver is notified of every completed monitor call.
type ResultObserver interface {
	ObserveResult(driver string, result probe.Result)
}

// LegacyValue collapses a MonitorCall outcome to the values the host
// framework historically expects: true when reachable, "failure" for
// both Unreachable and Error, and nil when no check ran.
func LegacyValue(result probe.Result, ok bool) interface{} {
	if !ok {
		return nil
	}
	if result.Healthy() {
		return true
	}
	return legacyFailure
}

func monitorURL(device Device) string {
	return device[KeyMonitorURL]
}

// override returns args[key] if set, otherwise def.
func override(args Args, key, def string) string {
	if v, ok := args[key]; ok && v != "" {
		return v
	}
	return def
}
