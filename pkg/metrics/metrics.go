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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tilt-dev/vnfmon/pkg/probe"
)

const namespace = "vnfmon"

// Recorder counts probe attempts and driver results.
type Recorder struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
}

// NewRecorder creates a Recorder and registers its collectors on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Socket attempts made by port probes.",
		}, []string{"transport", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_results_total",
			Help:      "Monitor call results by driver.",
		}, []string{"driver", "result"}),
	}
	for _, c := range []prometheus.Collector{r.attempts, r.results} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveAttempt is a probe.AttemptFunc.
func (r *Recorder) ObserveAttempt(cfg probe.Config, _ int, err error) {
	outcome := "open"
	if err != nil {
		outcome = "closed"
	}
	r.attempts.WithLabelValues(cfg.Transport.Network(), outcome).Inc()
}

// ObserveResult counts a completed monitor call.
func (r *Recorder) ObserveResult(driver string, result probe.Result) {
	r.results.WithLabelValues(driver, string(result)).Inc()
}
