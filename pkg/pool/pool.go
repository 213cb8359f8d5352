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

// Package pool implements the scaler's two resource pools: a
// guaranteed-per-user fair-share pool and a deadline pool sized off
// whatever's left of cluster capacity. A Pool is nothing more than a
// named bucket of Resources; it never looks at images or workers beyond
// their resource cost.
package pool

import (
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// Pool is one of the two resource buckets an Allocatable draws spawns
// from.
type Pool struct {
	Name      string
	Available resources.Resources
}

// New returns an empty, named pool.
func New(name string) *Pool {
	return &Pool{Name: name}
}

// Enough reports whether the pool currently has room for one more
// instance of image.
func (p *Pool) Enough(image types.Image) bool {
	return p.Available.Enough(image.Resources)
}

// Consume draws one instance of image's resources out of the pool.
// Callers must have checked Enough first; Consume itself saturates at
// zero rather than erroring, matching the allocator's POD resource
// arithmetic.
func (p *Pool) Consume(image types.Image) {
	p.Available.Consume(image.Resources, 1)
	p.report()
}

// Release returns freed resources to the pool, for example when a
// reconciliation pass discovers a worker has exited.
func (p *Pool) Release(freed resources.Resources) {
	p.Available = p.Available.Add(freed)
	p.report()
}

// Resize overwrites the pool's available resources outright. The
// deadline pool uses this every tick to track total cluster capacity;
// the fair-share pool never calls it after startup.
func (p *Pool) Resize(total resources.Resources) {
	p.Available = total
	p.report()
}

// report publishes the pool's current available cpu/memory to the
// pool_available_resources gauge.
func (p *Pool) report() {
	metrics.PoolAvailableResources.WithLabelValues(p.Name, "cpu").Set(float64(p.Available.CPU))
	metrics.PoolAvailableResources.WithLabelValues(p.Name, "memory").Set(float64(p.Available.Memory))
}
