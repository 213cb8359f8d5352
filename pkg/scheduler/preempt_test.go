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
	"testing"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

func newPreemptTestAllocatable(t *testing.T) (*Allocatable, *packing.Node) {
	t.Helper()
	a := newTestAllocatable(t, testImage(), &fakeFairShareSource{}, &fakeDeadlineSource{})
	c, ok := a.Cluster("cluster1")
	if !ok {
		t.Fatalf("expected cluster1 to exist")
	}
	c.LowResources = true
	n, ok := c.Node("node1")
	if !ok {
		t.Fatalf("expected node1 to exist")
	}
	return a, n
}

func runningWorker(req types.Requisition, deadline time.Time) *types.Spawned {
	return &types.Spawned{
		Name:         "w-" + req.Stage,
		Cluster:      "cluster1",
		Node:         "node1",
		Requisition:  req,
		Resources:    resources.Resources{CPU: 1000, Memory: 1024},
		Pool:         types.Deadline,
		Deadline:     deadline,
		DownScalable: time.Time{}, // already past the grace window
	}
}

// TestPreemptionScalesDownLowerPriorityWorker is scenario S3: a running
// worker with a much later deadline than the incoming one, on a
// low_resources cluster, gets flagged scaled_down so the incoming
// deadline can be met next tick.
func TestPreemptionScalesDownLowerPriorityWorker(t *testing.T) {
	a, n := newPreemptTestAllocatable(t)
	now := time.Now()

	victimReq := types.Requisition{User: "u1", Group: "group1", Pipeline: "p1", Stage: "s1"}
	w := runningWorker(victimReq, now.Add(10*time.Minute))
	n.Spawned[w.Deadline] = append(n.Spawned[w.Deadline], w)
	n.Available = resources.Resources{} // node is full; nothing left to allocate from

	incomingReq := types.Requisition{User: "u2", Group: "group1", Pipeline: "p1", Stage: "s2"}
	image := testImage()
	ok := a.scaleDownToMeet(now.Add(2*time.Minute), incomingReq, image)
	if !ok {
		t.Fatalf("expected a preemption candidate to be found")
	}
	if !w.ScaledDown {
		t.Fatalf("expected the lower-priority worker to be flagged scaled_down")
	}
	if len(a.pendingScaleDowns) != 1 || a.pendingScaleDowns[0] != w {
		t.Fatalf("expected the worker queued in pendingScaleDowns")
	}
}

// TestPreemptionSkipsSelfSameWork is scenario S4: a candidate victim
// sharing (user, group, pipeline, stage) with the incoming deadline's
// requisition must never be preempted on its behalf.
func TestPreemptionSkipsSelfSameWork(t *testing.T) {
	a, n := newPreemptTestAllocatable(t)
	now := time.Now()

	req := types.Requisition{User: "u1", Group: "group1", Pipeline: "p1", Stage: "s1"}
	w := runningWorker(req, now.Add(10*time.Minute))
	n.Spawned[w.Deadline] = append(n.Spawned[w.Deadline], w)
	n.Available = resources.Resources{}

	image := testImage()
	ok := a.scaleDownToMeet(now.Add(2*time.Minute), req, image)
	if ok {
		t.Fatalf("expected no preemption: the only candidate is self-same work")
	}
	if w.ScaledDown {
		t.Fatalf("self-same worker must never be flagged scaled_down")
	}
	if len(a.pendingScaleDowns) != 0 {
		t.Fatalf("expected no pending scale-downs")
	}
}

// TestPreemptionSkipsFairShareWorkers verifies a worker in the
// FairShare pool is never a preemption candidate, regardless of its
// deadline.
func TestPreemptionSkipsFairShareWorkers(t *testing.T) {
	a, n := newPreemptTestAllocatable(t)
	now := time.Now()

	req := types.Requisition{User: "u1", Group: "group1", Pipeline: "p1", Stage: "s1"}
	w := runningWorker(req, now.Add(10*time.Minute))
	w.Pool = types.FairShare
	n.Spawned[w.Deadline] = append(n.Spawned[w.Deadline], w)
	n.Available = resources.Resources{}

	incomingReq := types.Requisition{User: "u2", Group: "group1", Pipeline: "p1", Stage: "s2"}
	image := testImage()
	if ok := a.scaleDownToMeet(now.Add(2*time.Minute), incomingReq, image); ok {
		t.Fatalf("expected no preemption: only candidate is a fair-share worker")
	}
	if w.ScaledDown {
		t.Fatalf("fair-share worker must never be flagged scaled_down")
	}
}

// TestPreemptionSkipsWithinGracePeriod verifies a freshly spawned worker
// whose DownScalable timestamp is still in the future is protected.
func TestPreemptionSkipsWithinGracePeriod(t *testing.T) {
	a, n := newPreemptTestAllocatable(t)
	now := time.Now()

	req := types.Requisition{User: "u1", Group: "group1", Pipeline: "p1", Stage: "s1"}
	w := runningWorker(req, now.Add(10*time.Minute))
	w.DownScalable = now.Add(time.Minute)
	n.Spawned[w.Deadline] = append(n.Spawned[w.Deadline], w)
	n.Available = resources.Resources{}

	incomingReq := types.Requisition{User: "u2", Group: "group1", Pipeline: "p1", Stage: "s2"}
	image := testImage()
	if ok := a.scaleDownToMeet(now.Add(2*time.Minute), incomingReq, image); ok {
		t.Fatalf("expected no preemption: only candidate is still within its down-scale grace period")
	}
}
