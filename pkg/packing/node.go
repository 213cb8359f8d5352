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

package packing

import (
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// DefaultSpawnSlots is the per-tick spawn budget for a single node,
// reset at the start of every tick.
const DefaultSpawnSlots = 2

// Node is a single machine's capacity plus its currently spawned
// workers, keyed by deadline for the commit phase.
type Node struct {
	Name       string
	Available  resources.Resources
	Total      resources.Resources
	SpawnSlots int64
	Spawned    map[time.Time][]*types.Spawned
}

// NewNode returns a node with its spawn-slot budget freshly reset.
func NewNode(name string, total resources.Resources) *Node {
	return &Node{
		Name:       name,
		Available:  total,
		Total:      total,
		SpawnSlots: DefaultSpawnSlots,
		Spawned:    map[time.Time][]*types.Spawned{},
	}
}

// Spawnable reports whether the node has both a free spawn slot and
// enough available resources for image.
func (n *Node) Spawnable(image types.Image) bool {
	return n.SpawnSlots > 0 && n.Available.Enough(image.Resources)
}

// Allocate consumes image's resources and one spawn slot. The spawned
// worker itself is recorded into Spawned only at commit time, once the
// whole tick's placements are final.
func (n *Node) Allocate(image types.Image) {
	n.Available.Consume(image.Resources, 1)
	n.SpawnSlots--
}

// Record files a committed spawn under its deadline.
func (n *Node) Record(spawned *types.Spawned) {
	n.Spawned[spawned.Deadline] = append(n.Spawned[spawned.Deadline], spawned)
}

// ResetSpawnSlots is called once per tick before any allocation.
func (n *Node) ResetSpawnSlots() {
	n.SpawnSlots = DefaultSpawnSlots
}

// Free returns freed resources to the node's availability, for example
// after reconciliation discovers a worker has exited.
func (n *Node) Free(freed resources.Resources) {
	n.Available = n.Available.Add(freed)
}

// RecomputeAvailable rebuilds Available from Total minus every worker
// still tracked in Spawned, so a fresh backend-reported Total is never
// reconciled against stale bookkeeping.
func (n *Node) RecomputeAvailable() {
	used := resources.Resources{}
	for _, spawns := range n.Spawned {
		for _, sp := range spawns {
			used = used.Add(sp.Resources)
		}
	}
	avail := n.Total.Sub(used)
	avail.WorkerSlots = n.Available.WorkerSlots
	n.Available = avail
}
