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

// Package scheduler implements the scaler's core: Allocatable hosts the
// fair-share and deadline pools, drives the per-tick fair-share and
// deadline passes, and owns the preemption protocol that scales down
// lower-priority workers to meet higher-priority deadlines.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/logging"
	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/pool"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/restrict"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// DownScaleGrace is how long a freshly spawned worker is protected from
// preemption, regardless of how late its own deadline is relative to an
// incoming one.
const DownScaleGrace = 2 * time.Minute

// Allocatable is one scaler backend's entire scheduling state: its two
// pools, its clusters ordered for bin-packing, its fair-share rank map,
// and the bookkeeping that lets a deadline pass avoid double-counting
// work a prior tick already placed.
type Allocatable struct {
	ScalerTag      string
	Weights        config.FairShareWeights
	Divisor        float64
	DeadlineWindow int64

	FairSharePool *pool.Pool
	DeadlinesPool *pool.Pool

	Clusters     *packing.CPUBuckets[*packing.Cluster]
	Restrictions *restrict.Table
	FairShare    *rankBuckets

	// Counts tracks per-requisition workers already running, as of the
	// last reconciliation. It is snapshotted at the start of a tick and
	// restored afterward: the deadline pass's decrements are scratch,
	// not persisted state (see Tick).
	Counts map[types.Requisition]int64
	// ImageCounts tracks live spawns per image, for spawn_limit checks.
	ImageCounts map[string]int64
	// FairShareCounts tracks spawns issued by this tick's fair-share
	// pass, consumed by the deadline pass for the same requisition.
	FairShareCounts map[types.Requisition]int64

	SpawnBudget  int64
	LowResources bool

	Deadlines DeadlineSource
	FairShareSrc FairShareSource
	Images    ImageLookup
	Bans      BanLookup
	Users     UserLookup

	pendingSpawns     []*types.Spawned
	pendingScaleDowns []*types.Spawned

	// lastSpawns and lastScaleDowns hold the previous Commit's output for
	// NewSpawns/ScaleDowns to return after Tick (which calls Commit
	// internally) has already cleared the pending slices.
	lastSpawns     []*types.Spawned
	lastScaleDowns []*types.Spawned
}

// New builds an Allocatable for one backend, with empty pools and no
// clusters; AddCluster and the reconciler populate it before the first
// tick.
func New(scalerTag string, policy config.BackendPolicy, images ImageLookup, bans BanLookup, deadlines DeadlineSource, fairShareSrc FairShareSource, users UserLookup) *Allocatable {
	return &Allocatable{
		ScalerTag:       scalerTag,
		Weights:         policy.FairShare,
		Divisor:         policy.FairShareDivisor,
		FairSharePool:   pool.New("fairshare"),
		DeadlinesPool:   pool.New("deadline"),
		Clusters:        packing.NewCPUBuckets[*packing.Cluster](),
		Restrictions:    restrict.New(),
		FairShare:       newRankBuckets(),
		Counts:          map[types.Requisition]int64{},
		ImageCounts:     map[string]int64{},
		FairShareCounts: map[types.Requisition]int64{},
		Images:          images,
		Bans:            bans,
		Deadlines:       deadlines,
		FairShareSrc:    fairShareSrc,
		Users:           users,
	}
}

// SeedUsers inserts every user the UserLookup reports at rank 0 into the
// fair-share rank map, unless that user already holds a rank from prior
// ticks. Without this, a user with outstanding work but no running (or
// previously running) worker would never be visited by FairSharePass,
// since PopLowest only ever walks buckets a user was already placed in.
func (a *Allocatable) SeedUsers() {
	if a.Users == nil {
		return
	}
	for _, u := range a.Users.Users() {
		if _, known := a.FairShare.RankOf(u); !known {
			a.FairShare.Insert(0, u)
		}
	}
}

// RebuildCounts recomputes Counts and ImageCounts from scratch by
// walking every cluster's currently spawned workers. The reconciler
// calls this once per tick, after folding backend truth into each
// node's Spawned map, so both counters reflect live worker inventory
// rather than accumulating drift: Counts is otherwise only
// scratch-mutated (by the deadline pass), and ImageCounts is otherwise
// only incremented by new placements (and decremented again when a
// placement fails); a departing worker touches neither, so neither
// self-corrects without a full rebuild against the backend's own truth.
func (a *Allocatable) RebuildCounts() {
	counts := map[types.Requisition]int64{}
	imageCounts := map[string]int64{}
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		for _, n := range c.Nodes() {
			for _, spawns := range n.Spawned {
				for _, sp := range spawns {
					counts[sp.Requisition]++
					if image, ok := a.Images.GetImage(sp.Requisition.Group, sp.Requisition.Stage); ok {
						imageCounts[image.Key()]++
					}
				}
			}
		}
		return true
	})
	a.Counts = counts
	a.ImageCounts = imageCounts
}

// AddCluster inserts or re-buckets a cluster by its current available
// cpu total.
func (a *Allocatable) AddCluster(c *packing.Cluster, oldCPU int64, known bool) {
	if known {
		a.Clusters.Move(oldCPU, c.Available.CPU, c.Name, c)
	} else {
		a.Clusters.Insert(c.Available.CPU, c.Name, c)
	}
}

func calcFairShare(rank float64, count int64, r resources.Resources, w config.FairShareWeights) float64 {
	if count <= 0 {
		return rank
	}
	cost := (float64(r.CPU)*w.CPU + float64(r.Memory)*w.Memory) * float64(count)
	return rank + cost
}

// ResizeFairSharePool sets the fair-share pool's size to the cache's
// configured per-user allotment times the current user count. Called
// after every cache reload, not every tick, since it only changes when
// the user count or setting does.
func (a *Allocatable) ResizeFairSharePool(perUser resources.Resources, users int64) {
	a.FairSharePool.Resize(perUser.Mul(users))
}

// ResizeDeadlinePool sets the deadline pool's available resources to the
// sum of current cluster totals; the fair-share pool keeps whatever
// fixed size it was given at startup.
func (a *Allocatable) ResizeDeadlinePool() {
	var total resources.Resources
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		total = total.Add(c.Total)
		return true
	})
	a.DeadlinesPool.Resize(total)
}

// ResetSpawnSlots resets every node's per-tick spawn budget and recomputes
// the shared global budget (2 per node).
func (a *Allocatable) ResetSpawnSlots() {
	var nodeCount int64
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		for _, n := range c.Nodes() {
			n.ResetSpawnSlots()
			nodeCount++
		}
		return true
	})
	a.SpawnBudget = nodeCount * packing.DefaultSpawnSlots
}

// IncreaseFairShareRanks bumps every user's rank for the workers already
// counted as running before this tick's passes run.
func (a *Allocatable) IncreaseFairShareRanks() {
	for req, count := range a.Counts {
		if count <= 0 {
			continue
		}
		image, ok := a.Images.GetImage(req.Group, req.Stage)
		if !ok {
			continue
		}
		rank, _ := a.FairShare.RankOf(req.User)
		newRank := calcFairShare(rank, count, image.Resources, a.Weights)
		a.FairShare.Remove(rank, req.User)
		a.FairShare.Insert(newRank, req.User)
	}
}

// DecreaseFairShareRanks is the periodic rank-decay task: it subtracts a
// configured fraction of total cluster resources from every user's
// rank, saturating at zero, so an early burst doesn't defer a user
// forever.
func (a *Allocatable) DecreaseFairShareRanks() {
	if a.Divisor <= 0 {
		return
	}
	var total resources.Resources
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		total = total.Add(c.Total)
		return true
	})
	decr := (float64(total.CPU)/a.Divisor)*a.Weights.CPU + (float64(total.Memory)/a.Divisor)*a.Weights.Memory

	snapshot := a.FairShare.All()
	a.FairShare.Clear()
	for rank, users := range snapshot {
		newRank := rank - decr
		if newRank < 0 {
			newRank = 0
		}
		for _, u := range users {
			a.FairShare.Insert(newRank, u)
		}
	}
}

// allocateOnClusters tries every cluster in heaviest-available-first
// order and returns the (cluster, node) an image landed on.
func (a *Allocatable) allocateOnClusters(image types.Image) (cluster, node string, ok bool) {
	a.Clusters.Descend(func(cpu int64, name string, c *packing.Cluster) bool {
		n, placed := c.Allocate(image, a.Restrictions)
		if !placed {
			return true
		}
		cluster, node, ok = name, n, true
		a.Clusters.Move(cpu, c.Available.CPU, name, c)
		return false
	})
	return cluster, node, ok
}

// enough reports whether p has room for one more instance of image AND
// image's spawn_limit has not yet been hit this tick, incrementing
// ImageCounts as a side effect of the check itself (matching the
// original allocator, where the limit check and the count bump are one
// atomic step). Callers that go on to fail cluster placement must call
// releaseImageCount to undo the bump.
func (a *Allocatable) enough(p *pool.Pool, image types.Image) bool {
	if !p.Enough(image) {
		return false
	}
	if !image.SpawnLimit.Unlimited && uint64(a.ImageCounts[image.Key()]) >= image.SpawnLimit.Basic {
		return false
	}
	a.ImageCounts[image.Key()]++
	return true
}

func (a *Allocatable) releaseImageCount(image types.Image) {
	a.ImageCounts[image.Key()]--
}

// spawnName mints a worker name unique per (cluster, node, requisition,
// random suffix): the requisition's stable structural hash keeps the
// name short and collision-resistant without leaking its full tuple,
// and the uuid suffix is what actually guarantees uniqueness across
// backends sharing a cluster and node.
func spawnName(cluster, node string, req types.Requisition) string {
	return fmt.Sprintf("%s-%s-%x-%s", cluster, node, req.Hash(), uuid.New().String()[:8])
}

// FairSharePass runs step 5: lowest-rank users first, one spawn per
// user per sweep, until the spawn budget is exhausted or every user has
// had a chance. Visited users go back into the rank map, at their new or
// unchanged rank, only when the pass ends, so none is visited twice.
func (a *Allocatable) FairSharePass(ctx context.Context, now time.Time) {
	visited := newRankBuckets()
	defer func() {
		for rank, users := range visited.All() {
			for _, u := range users {
				a.FairShare.Insert(rank, u)
			}
		}
	}()
	for {
		if a.SpawnBudget <= 0 {
			return
		}
		rank, users, ok := a.FairShare.PopLowest()
		if !ok {
			return
		}
		var noSpawn []string
		exhausted := false
		for i, user := range users {
			if a.SpawnBudget <= 0 {
				noSpawn = append(noSpawn, users[i:]...)
				exhausted = true
				break
			}
			newRank, spawned := a.tryFairShareSpawn(ctx, now, user, rank)
			if !spawned {
				noSpawn = append(noSpawn, user)
				continue
			}
			visited.Insert(newRank, user)
		}
		for _, u := range noSpawn {
			visited.Insert(rank, u)
		}
		if exhausted {
			return
		}
	}
}

func (a *Allocatable) tryFairShareSpawn(ctx context.Context, now time.Time, user string, rank float64) (float64, bool) {
	outstanding, err := a.FairShareSrc.Outstanding(ctx, user)
	if err != nil {
		logging.FromContext(ctx).Sugar().Warnw("fair-share outstanding lookup failed", "user", user, "error", err)
		return rank, false
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].Count < outstanding[j].Count })

	for _, o := range outstanding {
		if o.Count == 0 {
			continue
		}
		image, ok := a.Images.GetImage(o.Requisition.Group, o.Requisition.Stage)
		if !ok || !image.Spawnable() {
			continue
		}
		if !a.enough(a.FairSharePool, image) {
			continue
		}
		cluster, node, placed := a.allocateOnClusters(image)
		if !placed {
			a.releaseImageCount(image)
			continue
		}
		a.FairSharePool.Consume(image)
		spawned := &types.Spawned{
			Name:         spawnName(cluster, node, o.Requisition),
			Cluster:      cluster,
			Node:         node,
			Requisition:  o.Requisition,
			Resources:    image.Resources,
			Pool:         types.FairShare,
			Deadline:     now.Add(image.Runtime()),
			CreatedAt:    now,
			DownScalable: now.Add(DownScaleGrace),
		}
		a.pendingSpawns = append(a.pendingSpawns, spawned)
		a.FairShareCounts[o.Requisition]++
		a.SpawnBudget--
		return calcFairShare(rank, 1, image.Resources, a.Weights), true
	}
	return rank, false
}

// DeadlinePass runs step 6 over the current deadline window.
func (a *Allocatable) DeadlinePass(ctx context.Context, now time.Time) error {
	deadlines, err := a.Deadlines.Deadlines(ctx, a.ScalerTag, a.DeadlineWindow)
	if err != nil {
		return err
	}
	for _, d := range deadlines {
		if a.SpawnBudget <= 0 {
			return nil
		}
		image, ok := a.Bans.Allowed(d)
		if !ok {
			continue
		}
		req := d.Requisition()

		if count, ok := a.FairShareCounts[req]; ok && count > 0 {
			a.decrementFairShareCount(req, count)
			continue
		}
		if count, ok := a.Counts[req]; ok && count > 0 {
			a.Counts[req] = count - 1
			continue
		}

		if !a.enough(a.DeadlinesPool, image) {
			if a.LowResources && a.SpawnBudget > 0 {
				if a.scaleDownToMeet(d.Timestamp, req, image) {
					a.SpawnBudget--
				}
			}
			continue
		}
		cluster, node, placed := a.allocateOnClusters(image)
		if placed {
			spawned := &types.Spawned{
				Name:         spawnName(cluster, node, req),
				Cluster:      cluster,
				Node:         node,
				Requisition:  req,
				Resources:    image.Resources,
				Pool:         types.Deadline,
				Deadline:     d.Timestamp,
				CreatedAt:    now,
				DownScalable: now.Add(DownScaleGrace),
			}
			a.pendingSpawns = append(a.pendingSpawns, spawned)
			a.SpawnBudget--
			continue
		}

		a.releaseImageCount(image)
		if a.LowResources && a.SpawnBudget > 0 {
			if a.scaleDownToMeet(d.Timestamp, req, image) {
				a.SpawnBudget--
			}
		}
	}
	return nil
}

func (a *Allocatable) decrementFairShareCount(req types.Requisition, count int64) {
	if count <= 1 {
		delete(a.FairShareCounts, req)
		return
	}
	a.FairShareCounts[req] = count - 1
}

// Tick runs steps 2-7 of the per-tick state machine. The caller must
// reconcile (pulling live worker truth into Counts, ImageCounts, and
// cluster/node availability) before calling Tick, and is responsible
// for backend dispatch of NewSpawns/ScaleDowns after Commit. The Counts
// mutation the deadline pass performs is scratch: it is restored to its
// pre-tick value afterward so the next tick's reconciliation is the
// only thing allowed to change it for real.
func (a *Allocatable) Tick(ctx context.Context, now time.Time) ([]types.Requisition, error) {
	a.ResizeDeadlinePool()
	a.ResetSpawnSlots()

	savedCounts := make(map[types.Requisition]int64, len(a.Counts))
	for req, c := range a.Counts {
		savedCounts[req] = c
	}

	a.SeedUsers()
	a.IncreaseFairShareRanks()
	a.FairSharePass(ctx, now)
	if a.SpawnBudget > 0 {
		if err := a.DeadlinePass(ctx, now); err != nil {
			a.Counts = savedCounts
			return nil, err
		}
	}
	a.Counts = savedCounts
	return a.Commit(), nil
}

// Commit merges this tick's pending spawns into their node's Spawned
// map and returns the set of requisitions touched, for logging.
func (a *Allocatable) Commit() []types.Requisition {
	touched := map[types.Requisition]struct{}{}
	for _, sp := range a.pendingSpawns {
		if c, ok := a.cluster(sp.Cluster); ok {
			if n, ok := c.Node(sp.Node); ok {
				n.Record(sp)
			}
		}
		touched[sp.Requisition] = struct{}{}
	}
	for _, sp := range a.pendingScaleDowns {
		touched[sp.Requisition] = struct{}{}
	}
	result := make([]types.Requisition, 0, len(touched))
	for r := range touched {
		result = append(result, r)
	}
	a.lastSpawns = a.pendingSpawns
	a.lastScaleDowns = a.pendingScaleDowns
	a.pendingSpawns = nil
	a.pendingScaleDowns = nil
	return result
}

// NewSpawns returns the most recently committed tick's spawns pending
// backend dispatch.
func (a *Allocatable) NewSpawns() []*types.Spawned { return a.lastSpawns }

// ScaleDowns returns the most recently committed tick's preemption
// victims pending backend termination.
func (a *Allocatable) ScaleDowns() []*types.Spawned { return a.lastScaleDowns }

func (a *Allocatable) cluster(name string) (*packing.Cluster, bool) {
	var found *packing.Cluster
	a.Clusters.Descend(func(_ int64, n string, c *packing.Cluster) bool {
		if n == name {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// Cluster looks up a cluster by name, for the reconciler's per-tick
// fold of backend-reported truth into local state.
func (a *Allocatable) Cluster(name string) (*packing.Cluster, bool) {
	return a.cluster(name)
}

// RecomputeLowResources recomputes every cluster's low_resources flag
// and the allocator-wide shortcut the deadline pass checks before even
// attempting preemption.
func (a *Allocatable) RecomputeLowResources() {
	a.LowResources = false
	a.Clusters.Descend(func(_ int64, _ string, c *packing.Cluster) bool {
		c.RecomputeLowResources()
		if c.LowResources {
			a.LowResources = true
		}
		return true
	})
}
