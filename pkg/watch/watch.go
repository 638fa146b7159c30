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

// Package watch repeatedly invokes a monitor driver and tracks device
// liveness across calls.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"k8s.io/klog/v2"

	"github.com/tilt-dev/vnfmon/pkg/driver"
	"github.com/tilt-dev/vnfmon/pkg/probe"
)

const (
	// DefaultPeriod is the default interval between monitor calls.
	DefaultPeriod = 10 * time.Second

	// DefaultTimeout is the default bound on a single monitor call. It
	// must exceed count*timeout of the driver options or calls against a
	// dead device will be cut short.
	DefaultTimeout = 30 * time.Second

	// DefaultInitialDelay is the default delay before the first call.
	DefaultInitialDelay = 0 * time.Second

	// DefaultSuccessThreshold is the default number of consecutive
	// healthy results required to transition to StatusUp.
	DefaultSuccessThreshold = 1

	// DefaultFailureThreshold is the default number of consecutive
	// unhealthy results required to transition to StatusDown.
	DefaultFailureThreshold = 1
)

// Status is the liveness of a watched device.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

func statusFor(result probe.Result) Status {
	if result.Healthy() {
		return StatusUp
	}
	return StatusDown
}

var realClock = clockwork.NewRealClock()

// CheckFunc performs one monitor call. ok is false if nothing was checked.
type CheckFunc func(ctx context.Context) (result probe.Result, ok bool)

// ForDriver returns a CheckFunc calling d.MonitorCall with device and args.
func ForDriver(d driver.Driver, device driver.Device, args driver.Args) CheckFunc {
	return func(ctx context.Context) (probe.Result, bool) {
		return d.MonitorCall(ctx, device, args)
	}
}

// StatusChangedFunc is invoked on status transitions only.
type StatusChangedFunc func(status Status, result probe.Result)

// ResultFunc is invoked for every completed call, after the status has
// been updated.
type ResultFunc func(result probe.Result)

// Option configures a Watcher.
type Option func(w *Watcher)

// New creates a Watcher for check.
func New(check CheckFunc, opts ...Option) *Watcher {
	w := &Watcher{
		check:            check,
		clock:            realClock,
		period:           DefaultPeriod,
		timeout:          DefaultTimeout,
		initialDelay:     DefaultInitialDelay,
		successThreshold: DefaultSuccessThreshold,
		failureThreshold: DefaultFailureThreshold,
		status:           StatusUnknown,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watcher calls a CheckFunc periodically and reports status transitions
// once the success or failure threshold is crossed.
type Watcher struct {
	check CheckFunc

	clock clockwork.Clock
	mu    sync.Mutex

	stopFunc context.CancelFunc

	initialDelay time.Duration
	period       time.Duration
	timeout      time.Duration

	successThreshold int
	failureThreshold int

	// status is only updated after a threshold is crossed
	status Status

	statusFunc StatusChangedFunc

	resultFunc ResultFunc

	lastStatus Status
	run        int
}

// Run calls the check every period until ctx is done or Stop is called.
// Calling Run on a running Watcher panics.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	if w.stopFunc != nil {
		panic("watcher is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stopFunc = cancel
	w.lastStatus = StatusUnknown
	w.run = 0
	w.mu.Unlock()

	w.clock.Sleep(w.initialDelay)

	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()
	for {
		w.doCheck(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Stop halts further calls. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopFunc != nil {
		w.stopFunc()
		w.stopFunc = nil
		w.status = StatusUnknown
	}
}

// Status returns the current status; StatusUnknown until a threshold has
// been crossed or when stopped.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

type checkResult struct {
	result probe.Result
	ok     bool
}

func (w *Watcher) doCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	done := make(chan checkResult, 1)
	go func() {
		r, ok := w.check(ctx)
		done <- checkResult{r, ok}
	}()

	select {
	case r := <-done:
		if !r.ok {
			klog.V(4).Info("Monitor call skipped")
			return
		}
		w.handleResult(r.result)
	case <-ctx.Done():
		// explicit cancellation means the watcher is stopping
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.handleResult(probe.Error)
		}
	}
}

func (w *Watcher) handleResult(result probe.Result) {
	if w.resultFunc != nil {
		defer w.resultFunc(result)
	}

	status := statusFor(result)
	if w.lastStatus == status {
		w.run++
	} else {
		w.lastStatus = status
		w.run = 1
	}

	if (status == StatusDown && w.run < w.failureThreshold) ||
		(status == StatusUp && w.run < w.successThreshold) {
		return
	}

	w.mu.Lock()
	if w.stopFunc == nil || w.status == status {
		w.mu.Unlock()
		return
	}
	w.status = status
	w.mu.Unlock()

	klog.V(2).Infof("Monitor status changed to %s (%s)", status, result)
	if w.statusFunc != nil {
		w.statusFunc(status, result)
	}
}

// WithPeriod sets the interval between calls.
func WithPeriod(period time.Duration) Option {
	return func(w *Watcher) {
		w.period = period
	}
}

// WithTimeout sets the bound on a single call. A call exceeding it is
// recorded as probe.Error.
func WithTimeout(timeout time.Duration) Option {
	return func(w *Watcher) {
		w.timeout = timeout
	}
}

// WithInitialDelay sets the delay before the first call.
func WithInitialDelay(delay time.Duration) Option {
	return func(w *Watcher) {
		w.initialDelay = delay
	}
}

// WithSuccessThreshold sets the consecutive healthy results needed to
// transition to StatusUp.
func WithSuccessThreshold(v int) Option {
	return func(w *Watcher) {
		w.successThreshold = v
	}
}

// WithFailureThreshold sets the consecutive unhealthy results needed to
// transition to StatusDown.
func WithFailureThreshold(v int) Option {
	return func(w *Watcher) {
		w.failureThreshold = v
	}
}

// WithStatusChangeFunc sets the function invoked on transitions.
func WithStatusChangeFunc(f StatusChangedFunc) Option {
	return func(w *Watcher) {
		w.statusFunc = f
	}
}

// WithResultFunc sets the function invoked for every completed call,
// whether or not it changed the status.
func WithResultFunc(f ResultFunc) Option {
	return func(w *Watcher) {
		w.resultFunc = f
	}
}
