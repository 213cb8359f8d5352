/*
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

package batcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjcarson/thorium-scaler/pkg/metrics"
)

const batcherSubsystem = "backend_batcher"

// SizeBuckets returns default threshold values for batch-size
// histograms. Each call returns a new slice.
func SizeBuckets() []float64 {
	return []float64{1, 2, 4, 5, 10, 15, 20, 25, 30, 40, 50, 60, 70, 80, 90, 100, 125, 150, 175, 200,
		225, 250, 275, 300, 350, 400, 450, 500, 550, 600, 700, 800, 900, 1000}
}

var (
	BatchWindowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: batcherSubsystem,
		Name:      "batch_window_seconds",
		Help:      "Duration of one batch executor call per batcher",
		Buckets:   metrics.DurationBuckets(),
	}, []string{"batcher"})
	BatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: batcherSubsystem,
		Name:      "batch_size",
		Help:      "Size of the request batch per batcher",
		Buckets:   SizeBuckets(),
	}, []string{"batcher"})
)

func init() {
	metrics.Registry.MustRegister(BatchWindowDuration, BatchSize)
}
