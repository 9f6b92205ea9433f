// Copyright 2024 Alexandre Mahdhaoui
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

// Package metrics holds the Prometheus collectors describing external
// command executions.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "virttest"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Commands records executions of external commands.
type Commands struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCommands creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewCommands(reg prometheus.Registerer) *Commands {
	c := &Commands{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of external commands executed, by binary, subcommand and result.",
		}, []string{"binary", "subcommand", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of external commands.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"binary", "subcommand"}),
	}

	if reg != nil {
		reg.MustRegister(c.total, c.duration)
	}

	return c
}

// Observe records one execution.
func (c *Commands) Observe(binary, subcommand, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.total.WithLabelValues(binary, subcommand, result).Inc()
	c.duration.WithLabelValues(binary, subcommand).Observe(d.Seconds())
}

// Total exposes the counter vector, mainly for tests.
func (c *Commands) Total() *prometheus.CounterVec {
	return c.total
}

// WriteText writes every metric gathered from g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
