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

// Package reconcile folds a backend's reported live worker inventory
// into an Allocatable's local state before each tick.
// The backend is the source of truth; anything the allocator still
// believes is running but the backend no longer reports is freed, and
// anything the backend flags failed is explicitly torn down.
package reconcile

import (
	"context"

	"github.com/mjcarson/thorium-scaler/pkg/backend"
	"github.com/mjcarson/thorium-scaler/pkg/logging"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/scheduler"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// ImageLookup resolves a requisition's image. A Reconciler holds one but
// does not consult it; per-image counts are rebuilt by the Allocatable's
// RebuildCounts through the Allocatable's own lookup.
type ImageLookup interface {
	GetImage(group, stage string) (types.Image, bool)
}

// Reconciler folds one backend's live-worker truth into one
// Allocatable. A multi-backend scaler runs one Reconciler per backend,
// since each Allocatable tracks exactly one backend's resources.
type Reconciler struct {
	Backend backend.Backend
	Alloc   *scheduler.Allocatable
	Images  ImageLookup
}

// New builds a Reconciler over one backend/Allocatable pair.
func New(b backend.Backend, a *scheduler.Allocatable, images ImageLookup) *Reconciler {
	return &Reconciler{Backend: b, Alloc: a, Images: images}
}

type nodeKey struct {
	cluster string
	node    string
}

// Tick lists every worker the backend currently reports live, folds
// that truth into per-node available/total/active bookkeeping, frees
// anything departed, then explicitly deletes anything the backend
// itself flagged failed.
func (r *Reconciler) Tick(ctx context.Context) error {
	live, err := r.Backend.ListNodes(ctx)
	if err != nil {
		return err
	}

	active := map[nodeKey]map[string]struct{}{}
	var failed []backend.LiveNode
	for _, ln := range live {
		k := nodeKey{ln.Cluster, ln.Node}
		if ln.Failed {
			failed = append(failed, ln)
			continue
		}
		if active[k] == nil {
			active[k] = map[string]struct{}{}
		}
		active[k][ln.Name] = struct{}{}
	}

	totals := map[nodeKey]resources.Resources{}
	if lister, ok := r.Backend.(backend.NodeLister); ok {
		caps, err := lister.NodeCapacity(ctx)
		if err != nil {
			return err
		}
		for _, c := range caps {
			totals[nodeKey{c.Cluster, c.Node}] = c.Total
		}
	}

	seen := make(map[nodeKey]struct{}, len(active)+len(totals))
	for k := range active {
		seen[k] = struct{}{}
	}
	for k := range totals {
		seen[k] = struct{}{}
	}

	drift := map[string]int{}
	for k := range seen {
		drift[k.cluster] += r.reconcileNode(ctx, k, active[k], totals[k])
	}
	for cluster, n := range drift {
		metrics.ReconcileDrift.WithLabelValues(cluster).Set(float64(n))
	}

	r.Alloc.RecomputeLowResources()
	r.Alloc.RebuildCounts()

	for _, ln := range failed {
		if err := r.Backend.Terminate(ctx, ln.Cluster, ln.Node, ln.Name); err != nil {
			logging.FromContext(ctx).Sugar().Warnw("failed to terminate failed worker",
				"cluster", ln.Cluster, "node", ln.Node, "name", ln.Name, "error", err)
		}
	}
	return nil
}

// reconcileNode folds one node's backend-reported truth into the
// allocator: departed workers are freed back to their node and pool
// (their counts are rebuilt later by Tick); the node and its
// owning cluster are re-bucketed by their new available cpu. Returns
// how many workers this node had locally that the backend no longer
// reports, for the cluster's drift gauge.
func (r *Reconciler) reconcileNode(ctx context.Context, k nodeKey, active map[string]struct{}, total resources.Resources) int {
	cluster, known := r.Alloc.Cluster(k.cluster)
	clusterCPU := int64(0)
	if known {
		clusterCPU = cluster.Available.CPU
	} else {
		cluster = packing.NewCluster(k.cluster)
	}

	departed := 0
	node, nodeKnown := cluster.Node(k.node)
	if !nodeKnown {
		node = packing.NewNode(k.node, total)
		cluster.AddNode(node, 0, false)
	} else {
		nodeCPU := node.Available.CPU
		if total.Some() {
			node.Total = total
		}
		departed = r.freeDeparted(node, active)
		node.RecomputeAvailable()
		cluster.AddNode(node, nodeCPU, true)
	}

	r.recomputeClusterTotals(cluster)
	r.Alloc.AddCluster(cluster, clusterCPU, known)
	return departed
}

// freeDeparted drops every spawned worker on node that the backend no
// longer reports active, releasing its resources to its pool; the node's
// availability is recomputed by the caller and the allocator's counts
// are rebuilt by Tick. Returns the number of workers freed this way.
func (r *Reconciler) freeDeparted(node *packing.Node, active map[string]struct{}) int {
	departed := 0
	for deadline, spawns := range node.Spawned {
		var kept []*types.Spawned
		for _, sp := range spawns {
			if _, stillUp := active[sp.Name]; stillUp {
				kept = append(kept, sp)
				continue
			}
			r.release(sp)
			departed++
		}
		if len(kept) == 0 {
			delete(node.Spawned, deadline)
		} else {
			node.Spawned[deadline] = kept
		}
	}
	return departed
}

// release returns a departed worker's resources to its pool. Counts
// and ImageCounts are not touched here: Tick rebuilds both from the
// surviving Spawned inventory across every node once reconciliation
// finishes, so a per-worker decrement here would only be overwritten.
func (r *Reconciler) release(sp *types.Spawned) {
	switch sp.Pool {
	case types.FairShare:
		r.Alloc.FairSharePool.Release(sp.Resources)
	default:
		r.Alloc.DeadlinesPool.Release(sp.Resources)
	}
}

// recomputeClusterTotals rebuilds a cluster's own available/total from
// its nodes, which must stay the sum of its nodes after every tick.
func (r *Reconciler) recomputeClusterTotals(cluster *packing.Cluster) {
	var available, total resources.Resources
	for _, n := range cluster.Nodes() {
		available = available.Add(n.Available)
		total = total.Add(n.Total)
	}
	cluster.Available = available
	cluster.Total = total
}
