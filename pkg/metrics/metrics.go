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

// Package metrics declares the scaler's prometheus instrumentation:
// pool occupancy, spawn/preemption counters, and per-stage timing for
// the tick loop and the cursor engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	Namespace = "thorium_scaler"

	PoolSubsystem      = "pool"
	SchedulerSubsystem = "scheduler"
	CursorSubsystem    = "cursor"
	BackendSubsystem   = "backend"
)

// Registry is the scaler's prometheus registry. cmd/scaler exposes it
// over /metrics.
var Registry = prometheus.NewRegistry()

// DurationBuckets returns the default histogram buckets (in seconds)
// used for every latency histogram in the scaler.
func DurationBuckets() []float64 {
	return prometheus.ExponentialBuckets(0.001, 2, 20)
}

var (
	PoolAvailableResources = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: PoolSubsystem,
		Name:      "available_resources",
		Help:      "Available resources (cpu millicores or memory bytes) remaining in a pool.",
	}, []string{"pool", "resource"})

	SpawnedWorkersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SchedulerSubsystem,
		Name:      "spawned_workers_total",
		Help:      "Workers spawned in total, labeled by pool and image key.",
	}, []string{"pool", "image"})

	PreemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SchedulerSubsystem,
		Name:      "preemptions_total",
		Help:      "Workers scaled down to free resources for a higher priority deadline.",
	}, []string{"cluster"})

	TickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: SchedulerSubsystem,
		Name:      "tick_duration_seconds",
		Help:      "Duration of one scheduling tick.",
		Buckets:   DurationBuckets(),
	}, []string{"scaler_tag"})

	CursorPageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: CursorSubsystem,
		Name:      "page_duration_seconds",
		Help:      "Duration of one cursor page pull.",
		Buckets:   DurationBuckets(),
	}, []string{"kind"})

	BackendCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: BackendSubsystem,
		Name:      "call_duration_seconds",
		Help:      "Duration of one backend adapter call (list_nodes, spawn, terminate).",
		Buckets:   DurationBuckets(),
	}, []string{"backend", "op"})

	ReconcileDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: BackendSubsystem,
		Name:      "reconcile_drift_workers",
		Help:      "Workers present locally but absent from the last reconcile pull, per cluster.",
	}, []string{"cluster"})
)

func init() {
	Registry.MustRegister(
		PoolAvailableResources,
		SpawnedWorkersTotal,
		PreemptionsTotal,
		TickDuration,
		CursorPageDuration,
		BackendCallDuration,
		ReconcileDrift,
	)
}
