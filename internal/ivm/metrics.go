// Copyright 2021 FerretDB Inc.
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

package ivm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes an [Engine]'s instrumentation as a [prometheus.Collector]
// (grounded on the teacher's clientconn/connmetrics.ConnMetrics: a struct of
// manually constructed vectors with Describe/Collect delegating to them,
// rather than promauto globals, so one Engine can own one independent set).
//
// fallbackTotal is spec §8's "zero fallback" correctness sentinel: any
// nonzero value means some expression operator was not recognized by the
// compiler (and the pipeline using it failed to build), which should never
// happen for a conforming pipeline.
// activeSize tracks each stage's active-set size by its position and kind,
// which is what an operator watching a running pipeline actually wants to
// graph.
type Metrics struct {
	fallbackTotal *prometheus.CounterVec
	activeSize    *prometheus.GaugeVec
}

// NewMetrics builds a fresh, unregistered Metrics. Callers register it with
// a prometheus.Registerer of their choosing.
func NewMetrics() *Metrics {
	return &Metrics{
		fallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivm_expression_fallback_total",
				Help: "Number of times an expression operator was not recognized by the compiled evaluator.",
			},
			[]string{"operator"},
		),
		activeSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ivm_stage_active_rows",
				Help: "Number of rowIds currently active at a pipeline stage's output.",
			},
			[]string{"stage_index", "stage_kind"},
		),
	}
}

// IncFallback implements [expr.FallbackTracker] and [stage.FallbackTracker].
func (m *Metrics) IncFallback(operator string) {
	m.fallbackTotal.WithLabelValues(operator).Inc()
}

func (m *Metrics) setActive(index int, kind string, n int) {
	m.activeSize.WithLabelValues(strconv.Itoa(index), kind).Set(float64(n))
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.fallbackTotal.Describe(ch)
	m.activeSize.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.fallbackTotal.Collect(ch)
	m.activeSize.Collect(ch)
}

var _ prometheus.Collector = (*Metrics)(nil)
