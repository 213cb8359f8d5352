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

package scheduler

import (
	"sort"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// scaleDownToMeet frees enough room on some node of a low_resources
// cluster to eventually satisfy image, by flagging lower priority
// (later-deadline) workers scaled_down. It does not move any resource
// itself — the next reconciliation observes the victims gone and
// releases their cells. Returns true iff a sufficient set of victims
// was found on some single node.
func (a *Allocatable) scaleDownToMeet(deadline time.Time, victim types.Requisition, image types.Image) bool {
	threshold := deadline.Add(time.Minute)
	now := time.Now()

	var lowResClusters []*packing.Cluster
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		if c.LowResources {
			lowResClusters = append(lowResClusters, c)
		}
		return true
	})

	for _, c := range lowResClusters {
		nodes := c.Nodes()
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Total.CPU > nodes[j].Total.CPU })

		for _, n := range nodes {
			candidates, ok := candidatesOnNode(n, threshold, now, victim, image.Resources)
			if !ok {
				continue
			}
			for _, sp := range candidates {
				sp.ScaledDown = true
			}
			a.pendingScaleDowns = append(a.pendingScaleDowns, candidates...)
			return true
		}
	}
	return false
}

// candidatesOnNode walks n's spawned workers with a deadline strictly
// past threshold, in descending deadline order (lowest priority first),
// accumulating eligible victims until their combined resources would
// satisfy need. Returns ok=false if the node never accumulates enough.
func candidatesOnNode(n *packing.Node, threshold, now time.Time, victim types.Requisition, need resources.Resources) ([]*types.Spawned, bool) {
	deadlines := make([]time.Time, 0, len(n.Spawned))
	for dl := range n.Spawned {
		if dl.After(threshold) {
			deadlines = append(deadlines, dl)
		}
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].After(deadlines[j]) })

	var freeable resources.Resources
	var candidates []*types.Spawned
	for _, dl := range deadlines {
		for _, sp := range n.Spawned[dl] {
			if sp.ScaledDown {
				continue
			}
			if sp.DownScalable.After(now) {
				continue
			}
			if sp.Pool != types.Deadline {
				continue
			}
			if sp.Requisition.SameWork(victim) {
				continue
			}
			freeable = freeable.Add(sp.Resources)
			candidates = append(candidates, sp)
			if freeable.Enough(need) {
				return candidates, true
			}
		}
	}
	return nil, false
}
