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
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/restrict"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// lowResourcesThreshold is the fraction of total cpu or memory below
// which a cluster is marked low_resources and becomes eligible as a
// preemption source.
const lowResourcesThreshold = 0.05

// Cluster is a cluster allocator: an ordered set of nodes bucketed by
// available cpu, plus the cluster-level totals the reconciler
// maintains.
type Cluster struct {
	Name         string
	Available    resources.Resources
	Total        resources.Resources
	LowResources bool

	nodes *CPUBuckets[*Node]
}

// NewCluster returns an empty cluster ready to receive nodes.
func NewCluster(name string) *Cluster {
	return &Cluster{Name: name, nodes: NewCPUBuckets[*Node]()}
}

// AddNode inserts or re-buckets node under its current available cpu.
func (c *Cluster) AddNode(n *Node, oldCPU int64, known bool) {
	if known {
		c.nodes.Move(oldCPU, n.Available.CPU, n.Name, n)
	} else {
		c.nodes.Insert(n.Available.CPU, n.Name, n)
	}
}

// Node looks up a node by name by scanning all buckets. Used by the
// reconciler, which already has the name and only needs the pointer.
func (c *Cluster) Node(name string) (*Node, bool) {
	var found *Node
	c.nodes.Descend(func(_ int64, n string, v *Node) bool {
		if n == name {
			found = v
			return false
		}
		return true
	})
	return found, found != nil
}

// Nodes returns every node currently tracked by the cluster.
func (c *Cluster) Nodes() []*Node {
	out := make([]*Node, 0, c.nodes.Len())
	c.nodes.Descend(func(_ int64, _ string, v *Node) bool {
		out = append(out, v)
		return true
	})
	return out
}

// RemoveNode drops a node entirely, for reconciliation's update.removes.
func (c *Cluster) RemoveNode(name string, cpu int64) {
	c.nodes.Remove(cpu, name)
}

// Allocate places one instance of image on the heaviest-available node
// that both satisfies the restriction table and has room, descending
// through cpu tiers and breaking ties lexicographically by node name.
// On success it re-buckets the node and shrinks the cluster's own
// available resources; the caller is responsible for re-bucketing the
// cluster itself in the outer cluster-by-cpu map.
func (c *Cluster) Allocate(image types.Image, restrictions *restrict.Table) (string, bool) {
	verdict, allow := restrictions.Check(c.Name, image.Group, image.Name)
	if verdict == restrict.WrongCluster {
		return "", false
	}
	var allowSet map[string]struct{}
	if verdict == restrict.Allowed {
		allowSet = make(map[string]struct{}, len(allow))
		for _, n := range allow {
			allowSet[n] = struct{}{}
		}
	}

	var placed string
	c.nodes.Descend(func(cpu int64, name string, n *Node) bool {
		if allowSet != nil {
			if _, ok := allowSet[name]; !ok {
				return true
			}
		}
		if !n.Spawnable(image) {
			return true
		}
		n.Allocate(image)
		c.nodes.Move(cpu, n.Available.CPU, name, n)
		placed = name
		return false
	})
	if placed == "" {
		return "", false
	}
	c.Available.Consume(image.Resources, 1)
	return placed, true
}

// RecomputeLowResources recomputes the low_resources flag off current
// available/total ratios. Called by the reconciler after totals change.
func (c *Cluster) RecomputeLowResources() {
	c.LowResources = ratioBelow(c.Available.CPU, c.Total.CPU, lowResourcesThreshold) ||
		ratioBelow(c.Available.Memory, c.Total.Memory, lowResourcesThreshold)
}

func ratioBelow(available, total int64, threshold float64) bool {
	if total <= 0 {
		return false
	}
	return float64(available)/float64(total) < threshold
}
