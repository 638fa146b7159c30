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
	"errors"
	goflag "flag"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tilt-dev/vnfmon/pkg/config"
	"github.com/tilt-dev/vnfmon/pkg/driver"
	"github.com/tilt-dev/vnfmon/pkg/metrics"
	"github.com/tilt-dev/vnfmon/pkg/probe"
)

// ErrUnhealthy is returned by monitor commands when the device is not
// reachable. Callers should exit non-zero without printing it.
var ErrUnhealthy = errors.New("device unhealthy")

type rootOptions struct {
	envFiles    []string
	logFile     string
	metricsAddr string
	privileged  bool

	port config.PortOptions
	ping config.PingOptions

	// populated in PersistentPreRunE
	manager  *driver.Manager
	recorder *metrics.Recorder
	registry *prometheus.Registry
	closers  []io.Closer
}

// Execute runs the vnfmon command line, writing results to out.
func Execute(ctx context.Context, out io.Writer, args []string) error {
	cmd, o := newRootCommand(out)
	defer o.close()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(out io.Writer) (*cobra.Command, *rootOptions) {
	o := &rootOptions{
		port: config.DefaultPortOptions(),
		ping: config.DefaultPingOptions(),
	}

	cmd := &cobra.Command{
		Use:           "vnfmon",
		Short:         "Monitor drivers checking VNF liveness",
		Long:          "vnfmon runs VNF monitor drivers against a management address, once or periodically.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.complete(cmd)
		},
	}
	cmd.SetOut(out)

	fs := cmd.PersistentFlags()
	fs.StringSliceVar(&o.envFiles, "env-file", []string{".env"}, "dotenv files with MONITOR_PORT_* and MONITOR_PING_* settings")
	fs.StringVar(&o.logFile, "log-file", "", "write logs to this file, rotated, instead of stderr")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.privileged, "privileged", false, "use raw ICMP sockets for the ping driver (requires root or CAP_NET_RAW)")
	o.port.AddFlags(fs)
	o.ping.AddFlags(fs)

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		newMonitorCommand(o, driver.PortDriverName, "Check that a TCP or UDP port on the device is reachable"),
		newMonitorCommand(o, driver.PingDriverName, "Check that the device answers ICMP echo requests"),
		newDriversCommand(o),
	)
	return cmd, o
}

func (o *rootOptions) complete(cmd *cobra.Command) error {
	if err := config.LoadEnv(o.envFiles...); err != nil {
		return err
	}
	fs := cmd.Flags()
	o.port.ApplyEnv(fs)
	o.ping.ApplyEnv(fs)

	if o.logFile != "" {
		o.closers = append(o.closers, setupFileLogging(o.logFile))
	}

	o.registry = prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(o.registry)
	if err != nil {
		return err
	}
	o.recorder = recorder

	o.manager, err = driver.NewManager(
		driver.NewPortDriver(o.port,
			driver.WithPortProber(probe.NewPort(probe.WithAttemptFunc(recorder.ObserveAttempt))),
			driver.WithPortObserver(recorder)),
		driver.NewPingDriver(o.ping, o.privileged, driver.WithPingObserver(recorder)),
	)
	if err != nil {
		return err
	}

	if o.metricsAddr != "" {
		o.closers = append(o.closers, serveMetrics(o.metricsAddr, o.registry))
	}
	return nil
}

func (o *rootOptions) close() {
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			klog.Errorf("Error during shutdown: %v", err)
		}
	}
	klog.Flush()
}

type shutdownCloser struct {
	srv *http.Server
}

func (s shutdownCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) io.Closer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	klog.V(2).Infof("Serving metrics on %s/metrics", addr)
	return shutdownCloser{srv: srv}
}
