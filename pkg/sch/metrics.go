// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the scheduler's Prometheus instruments: an active-task
// gauge, a transition counter and a transition-error counter, mirroring the
// MetricsCollector shape this runtime was ported from.
type Metrics struct {
	ActiveTasks      prometheus.Gauge
	Transitions      prometheus.Counter
	TransitionErrors prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set against the
// default registerer. Construction never fails: a duplicate
// registration (e.g. from a second Runtime in the same process, as in
// tests) falls back to the already-registered collector instead of
// panicking.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveTasks: mustGauge(prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acts_scheduler_active_tasks",
			Help: "Number of tasks not yet in a terminal state.",
		})),
		Transitions: mustCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acts_scheduler_transitions_total",
			Help: "Total task state transitions processed.",
		})),
		TransitionErrors: mustCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acts_scheduler_transition_errors_total",
			Help: "Total advance steps that ended in a RuntimeError.",
		})),
	}
}

func mustGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

func mustCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}
