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

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tilt-dev/vnfmon/pkg/driver"
	"github.com/tilt-dev/vnfmon/pkg/probe"
	"github.com/tilt-dev/vnfmon/pkg/watch"
)

type monitorOptions struct {
	monitorURL string
	legacy     bool

	watch            bool
	period           time.Duration
	timeout          time.Duration
	initialDelay     time.Duration
	successThreshold int
	failureThreshold int
}

func newMonitorCommand(root *rootOptions, name, short string) *cobra.Command {
	o := &monitorOptions{}
	cmd := &cobra.Command{
		Use:   name + " [MGMT_IP]",
		Short: short,
		Long: short + `.

Per-driver options come from flags, MONITOR_* environment variables or
dotenv files. With no management address nothing is checked and nothing
is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.manager.Get(name)
			if err != nil {
				return err
			}
			callArgs := driver.Args{}
			if len(args) > 0 {
				callArgs[driver.ArgMgmtIP] = args[0]
			}
			device := driver.Device{driver.KeyMonitorURL: o.monitorURL}
			if o.watch {
				return o.runWatch(cmd.Context(), cmd.OutOrStdout(), d, device, callArgs)
			}
			return o.runOnce(cmd.Context(), cmd.OutOrStdout(), d, device, callArgs)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.monitorURL, "monitor-url", "", "monitor URL recorded for the device")
	fs.BoolVar(&o.legacy, "legacy", false, "print true or failure instead of the result name")
	fs.BoolVar(&o.watch, "watch", false, "keep checking and print status transitions")
	fs.DurationVar(&o.period, "period", watch.DefaultPeriod, "interval between checks in watch mode")
	fs.DurationVar(&o.timeout, "check-timeout", watch.DefaultTimeout, "bound on a single check in watch mode")
	fs.DurationVar(&o.initialDelay, "initial-delay", watch.DefaultInitialDelay, "delay before the first check in watch mode")
	fs.IntVar(&o.successThreshold, "success-threshold", watch.DefaultSuccessThreshold, "consecutive healthy checks before reporting up")
	fs.IntVar(&o.failureThreshold, "failure-threshold", watch.DefaultFailureThreshold, "consecutive unhealthy checks before reporting down")
	return cmd
}

func (o *monitorOptions) runOnce(ctx context.Context, out io.Writer, d driver.Driver, device driver.Device, args driver.Args) error {
	result, ok := d.MonitorCall(ctx, device, args)
	if !ok {
		return nil
	}
	o.print(out, result)
	if !result.Healthy() {
		return ErrUnhealthy
	}
	return nil
}

func (o *monitorOptions) runWatch(ctx context.Context, out io.Writer, d driver.Driver, device driver.Device, args driver.Args) error {
	if args[driver.ArgMgmtIP] == "" {
		return nil
	}
	w := watch.New(watch.ForDriver(d, device, args),
		watch.WithPeriod(o.period),
		watch.WithTimeout(o.timeout),
		watch.WithInitialDelay(o.initialDelay),
		watch.WithSuccessThreshold(o.successThreshold),
		watch.WithFailureThreshold(o.failureThreshold),
		watch.WithResultFunc(func(result probe.Result) {
			klog.V(2).Infof("%s monitor check of %s: %s", d.Name(), args[driver.ArgMgmtIP], result)
		}),
		watch.WithStatusChangeFunc(func(status watch.Status, result probe.Result) {
			fmt.Fprintf(out, "%s %s ", time.Now().Format(time.RFC3339), status)
			o.print(out, result)
		}))
	w.Run(ctx)
	return nil
}

func (o *monitorOptions) print(out io.Writer, result probe.Result) {
	if o.legacy {
		fmt.Fprintln(out, driver.LegacyValue(result, true))
		return
	}
	fmt.Fprintln(out, result)
}
