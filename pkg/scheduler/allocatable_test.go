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
	"context"
	"testing"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

type fakeImages struct {
	images map[string]types.Image
}

func (f *fakeImages) GetImage(group, stage string) (types.Image, bool) {
	img, ok := f.images[group+"/"+stage]
	return img, ok
}

type fakeBans struct{ images *fakeImages }

func (f *fakeBans) Allowed(d types.Deadline) (types.Image, bool) {
	img, ok := f.images.GetImage(d.Group, d.Stage)
	if !ok || !img.Spawnable() {
		return types.Image{}, false
	}
	return img, true
}

type fakeFairShareSource struct {
	byUser map[string][]Outstanding
}

func (f *fakeFairShareSource) Outstanding(_ context.Context, user string) ([]Outstanding, error) {
	return f.byUser[user], nil
}

type fakeDeadlineSource struct {
	deadlines []types.Deadline
}

func (f *fakeDeadlineSource) Deadlines(_ context.Context, _ string, _ int64) ([]types.Deadline, error) {
	return f.deadlines, nil
}

type fakeUsers struct{ users []string }

func (f *fakeUsers) Users() []string { return f.users }

func testImage() types.Image {
	return types.Image{
		Group:      "group1",
		Name:       "stage1",
		Resources:  resources.Resources{CPU: 1000, Memory: 1024},
		SpawnLimit: types.SpawnLimit{Unlimited: true},
	}
}

func newTestAllocatable(t *testing.T, img types.Image, ffs *fakeFairShareSource, fds *fakeDeadlineSource) *Allocatable {
	t.Helper()
	images := &fakeImages{images: map[string]types.Image{img.Key(): img}}
	bans := &fakeBans{images: images}
	policy := config.BackendPolicy{FairShare: config.FairShareWeights{CPU: 1, Memory: 1}, FairShareDivisor: 100}
	a := New("k8s", policy, images, bans, fds, ffs, nil)
	a.FairSharePool.Resize(resources.Resources{CPU: 4000, Memory: 4096})

	c := packing.NewCluster("cluster1")
	c.Total = resources.Resources{CPU: 8000, Memory: 8192}
	c.Available = c.Total
	n := packing.NewNode("node1", resources.Resources{CPU: 8000, Memory: 8192})
	c.AddNode(n, 0, false)
	a.AddCluster(c, 0, false)
	return a
}

func TestFairSharePassSpawnsOneUser(t *testing.T) {
	img := testImage()
	req := types.Requisition{User: "alice", Group: img.Group, Pipeline: "p1", Stage: img.Name}
	ffs := &fakeFairShareSource{byUser: map[string][]Outstanding{
		"alice": {{Requisition: req, Count: 1}},
	}}
	a := newTestAllocatable(t, img, ffs, &fakeDeadlineSource{})
	a.FairShare.Insert(0, "alice")
	a.ResetSpawnSlots()

	a.FairSharePass(context.Background(), time.Now())

	if len(a.pendingSpawns) != 1 {
		t.Fatalf("expected 1 pending spawn, got %d", len(a.pendingSpawns))
	}
	if a.pendingSpawns[0].Pool != types.FairShare {
		t.Fatalf("expected fairshare pool spawn")
	}
	if _, ok := a.FairShare.RankOf("alice"); !ok {
		t.Fatalf("alice should be reinserted into the rank map at her new rank")
	}
}

func TestDeadlinePassSkipsAlreadyCountedRequisition(t *testing.T) {
	img := testImage()
	req := types.Requisition{User: "bob", Group: img.Group, Pipeline: "p1", Stage: img.Name}
	d := types.Deadline{Timestamp: time.Now(), Group: img.Group, Stage: img.Name, Pipeline: "p1", User: "bob"}
	a := newTestAllocatable(t, img, &fakeFairShareSource{}, &fakeDeadlineSource{deadlines: []types.Deadline{d}})
	a.Counts[req] = 1
	a.ResetSpawnSlots()

	if err := a.DeadlinePass(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(a.pendingSpawns) != 0 {
		t.Fatalf("expected no spawn for an already-counted requisition, got %d", len(a.pendingSpawns))
	}
	if a.Counts[req] != 0 {
		t.Fatalf("expected prior count decremented to 0, got %d", a.Counts[req])
	}
}

func TestDeadlinePassConsumesFairSharePreSpawnBeforePriorCount(t *testing.T) {
	img := testImage()
	req := types.Requisition{User: "carol", Group: img.Group, Pipeline: "p1", Stage: img.Name}
	d := types.Deadline{Timestamp: time.Now(), Group: img.Group, Stage: img.Name, Pipeline: "p1", User: "carol"}
	a := newTestAllocatable(t, img, &fakeFairShareSource{}, &fakeDeadlineSource{deadlines: []types.Deadline{d}})
	a.Counts[req] = 1
	a.FairShareCounts[req] = 1
	a.ResetSpawnSlots()

	if err := a.DeadlinePass(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(a.pendingSpawns) != 0 {
		t.Fatalf("expected no new spawn, the fair-share pre-spawn should cover this deadline")
	}
	if _, stillPresent := a.FairShareCounts[req]; stillPresent {
		t.Fatalf("fair-share pre-spawn count should be fully consumed")
	}
	if a.Counts[req] != 1 {
		t.Fatalf("prior count must remain untouched when the fair-share pre-spawn covers the deadline, got %d", a.Counts[req])
	}
}

func TestDeadlinePassPlacesNewSpawnWhenNoPriorCount(t *testing.T) {
	img := testImage()
	d := types.Deadline{Timestamp: time.Now(), Group: img.Group, Stage: img.Name, Pipeline: "p1", User: "dave"}
	a := newTestAllocatable(t, img, &fakeFairShareSource{}, &fakeDeadlineSource{deadlines: []types.Deadline{d}})
	a.ResizeDeadlinePool()
	a.ResetSpawnSlots()

	if err := a.DeadlinePass(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(a.pendingSpawns) != 1 {
		t.Fatalf("expected exactly 1 new deadline spawn, got %d", len(a.pendingSpawns))
	}
	if a.pendingSpawns[0].Pool != types.Deadline {
		t.Fatalf("expected deadline pool spawn")
	}
}

// TestSeedUsersAddsUnseenUserAtRankZero verifies a user with outstanding
// work but no running (or ever-run) worker still gets placed in the
// rank map, so FairSharePass's PopLowest sweep reaches them. Without
// this, such a user would never be visited at all.
func TestSeedUsersAddsUnseenUserAtRankZero(t *testing.T) {
	img := testImage()
	req := types.Requisition{User: "frank", Group: img.Group, Pipeline: "p1", Stage: img.Name}
	ffs := &fakeFairShareSource{byUser: map[string][]Outstanding{
		"frank": {{Requisition: req, Count: 1}},
	}}
	a := newTestAllocatable(t, img, ffs, &fakeDeadlineSource{})
	a.Users = &fakeUsers{users: []string{"frank"}}
	a.ResetSpawnSlots()

	if _, known := a.FairShare.RankOf("frank"); known {
		t.Fatalf("frank should not yet be in the rank map")
	}
	a.SeedUsers()
	if _, known := a.FairShare.RankOf("frank"); !known {
		t.Fatalf("SeedUsers should have placed frank in the rank map")
	}

	a.FairSharePass(context.Background(), time.Now())
	if len(a.pendingSpawns) != 1 {
		t.Fatalf("expected frank's outstanding work to spawn once seeded, got %d pending spawns", len(a.pendingSpawns))
	}
}

// TestSeedUsersDoesNotResetExistingRank verifies a user who already
// holds a rank (from a prior tick's activity) is left alone rather than
// reset to zero on every tick.
func TestSeedUsersDoesNotResetExistingRank(t *testing.T) {
	img := testImage()
	a := newTestAllocatable(t, img, &fakeFairShareSource{}, &fakeDeadlineSource{})
	a.Users = &fakeUsers{users: []string{"grace"}}
	a.FairShare.Insert(500, "grace")

	a.SeedUsers()

	rank, known := a.FairShare.RankOf("grace")
	if !known || rank != 500 {
		t.Fatalf("expected grace's existing rank 500 preserved, got rank=%v known=%v", rank, known)
	}
}

// TestDecreaseFairShareRanksSaturatesAtZero verifies the periodic decay
// task subtracts the configured fraction of total cluster resources
// from every rank, clamping at zero rather than going negative, and
// re-buckets users under their new ranks.
func TestDecreaseFairShareRanksSaturatesAtZero(t *testing.T) {
	a := newTestAllocatable(t, testImage(), &fakeFairShareSource{}, &fakeDeadlineSource{})
	// total cluster = 8000m cpu + 8192Mi memory, divisor 100, weights 1/1
	// means each decay round subtracts 80 + 81.92 = 161.92 rank.
	a.FairShare.Insert(500, "heavy")
	a.FairShare.Insert(100, "light")

	a.DecreaseFairShareRanks()

	heavy, ok := a.FairShare.RankOf("heavy")
	if !ok || heavy > 338.081 || heavy < 338.079 {
		t.Fatalf("expected heavy's rank decayed to ~338.08, got %v (present=%v)", heavy, ok)
	}
	light, ok := a.FairShare.RankOf("light")
	if !ok || light != 0 {
		t.Fatalf("expected light's rank clamped at zero, got %v (present=%v)", light, ok)
	}
}

// TestTickLeavesCommittedSpawnsVisibleAfterReturn guards against Tick's
// internal Commit call clearing pendingSpawns/pendingScaleDowns before
// a caller (the dispatch loop in cmd/scaler) gets a chance to read them
// back out via NewSpawns/ScaleDowns.
func TestTickLeavesCommittedSpawnsVisibleAfterReturn(t *testing.T) {
	img := testImage()
	d := types.Deadline{Timestamp: time.Now(), Group: img.Group, Stage: img.Name, Pipeline: "p1", User: "erin"}
	a := newTestAllocatable(t, img, &fakeFairShareSource{}, &fakeDeadlineSource{deadlines: []types.Deadline{d}})

	if _, err := a.Tick(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(a.NewSpawns()) != 1 {
		t.Fatalf("expected NewSpawns to still report the tick's committed spawn, got %d", len(a.NewSpawns()))
	}
	if len(a.ScaleDowns()) != 0 {
		t.Fatalf("expected no scale-downs this tick, got %d", len(a.ScaleDowns()))
	}
}
