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

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "imagesmith"

	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics records stage durations and results of a run. They are written as a node-exporter
// textfile since a run is a short-lived process.
type Metrics struct {
	registry *prometheus.Registry
	textfile string

	stageDuration *prometheus.HistogramVec
	stageResults  *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

// NewMetrics returns Metrics written to textfile by Write. An empty textfile disables Write.
func NewMetrics(textfile string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		textfile: textfile,
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of a pipeline stage.",
			Buckets:   []float64{.1, .5, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
		}, []string{"flow", "stage"}),
		stageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Number of pipeline stages run, by result.",
		}, []string{"flow", "stage", "result"}),
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last run, by result.",
		}, []string{"flow", "result"}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeStage(flow Flow, stage Stage, d time.Duration, err error) {
	m.stageDuration.WithLabelValues(string(flow), string(stage)).Observe(d.Seconds())
	m.stageResults.WithLabelValues(string(flow), string(stage), result(err)).Inc()
}

func (m *Metrics) observeRun(flow Flow, at time.Time, err error) {
	m.lastRun.WithLabelValues(string(flow), result(err)).Set(float64(at.Unix()))
}

// Write writes the metrics to the textfile atomically.
func (m *Metrics) Write() error {
	if m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.registry)
}

func result(err error) string {
	if err == nil {
		return resultSuccess
	}
	return resultFailure
}
