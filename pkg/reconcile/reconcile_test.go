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

package reconcile

import (
	"context"
	"testing"

	"github.com/mjcarson/thorium-scaler/pkg/backend"
	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/packing"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/scheduler"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

type fakeImages struct{ images map[string]types.Image }

func (f *fakeImages) GetImage(group, stage string) (types.Image, bool) {
	img, ok := f.images[group+"/"+stage]
	return img, ok
}

type fakeBackend struct {
	live  []backend.LiveNode
	caps  []backend.NodeCapacity
	terms []string
}

func (f *fakeBackend) Kind() string { return "fake" }

func (f *fakeBackend) ListNodes(ctx context.Context) ([]backend.LiveNode, error) {
	return f.live, nil
}

func (f *fakeBackend) NodeCapacity(ctx context.Context) ([]backend.NodeCapacity, error) {
	return f.caps, nil
}

func (f *fakeBackend) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	return nil, nil
}

func (f *fakeBackend) Terminate(ctx context.Context, cluster, node, name string) error {
	f.terms = append(f.terms, name)
	return nil
}

func (f *fakeBackend) MaxSway(cluster string) float64 { return 0 }
func (f *fakeBackend) Dwell(cluster string) bool      { return false }

func TestReconcileFreesDepartedWorkerResources(t *testing.T) {
	img := types.Image{Group: "g", Name: "s1", Resources: resources.Resources{CPU: 1000, Memory: 1024}}
	images := &fakeImages{images: map[string]types.Image{img.Key(): img}}
	policy := config.BackendPolicy{FairShare: config.FairShareWeights{CPU: 1, Memory: 1}}
	a := scheduler.New("k8s", policy, images, nil, nil, nil, nil)
	a.DeadlinesPool.Resize(resources.Resources{})

	c := packing.NewCluster("c1")
	n := packing.NewNode("n1", resources.Resources{CPU: 8000, Memory: 8192})
	req := types.Requisition{User: "u1", Group: "g", Pipeline: "p1", Stage: "s1"}
	sp := &types.Spawned{Name: "w1", Cluster: "c1", Node: "n1", Requisition: req, Resources: img.Resources, Pool: types.Deadline}
	n.Spawned[sp.Deadline] = append(n.Spawned[sp.Deadline], sp)
	n.Available = resources.Resources{CPU: 7000, Memory: 7168}
	c.AddNode(n, 0, false)
	c.Total = n.Total
	c.Available = n.Available
	a.AddCluster(c, 0, false)
	a.Counts[req] = 1
	a.ImageCounts[img.Key()] = 1

	// Backend reports the node's total capacity but no active workers on
	// it, so the previously spawned worker has departed.
	be := &fakeBackend{caps: []backend.NodeCapacity{{Cluster: "c1", Node: "n1", Total: n.Total}}}
	r := New(be, a, images)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	gotCluster, ok := a.Cluster("c1")
	if !ok {
		t.Fatalf("expected cluster still tracked")
	}
	gotNode, ok := gotCluster.Node("n1")
	if !ok {
		t.Fatalf("expected node still tracked")
	}
	if gotNode.Available.CPU != gotNode.Total.CPU || gotNode.Available.Memory != gotNode.Total.Memory {
		t.Fatalf("expected the departed worker's resources freed back to the node, got available=%+v total=%+v", gotNode.Available, gotNode.Total)
	}
	if len(gotNode.Spawned) != 0 {
		t.Fatalf("expected the departed worker removed from node.Spawned")
	}
	if a.Counts[req] != 0 {
		t.Fatalf("expected the requisition count decremented to 0, got %d", a.Counts[req])
	}
	if a.ImageCounts[img.Key()] != 0 {
		t.Fatalf("expected the image count decremented to 0, got %d", a.ImageCounts[img.Key()])
	}
}

// TestReconcileRebuildsCountsForStillActiveWorkers guards against Counts
// (and ImageCounts) only ever being decremented: a worker the backend
// still reports live must be tallied every tick, not just on departure,
// or IncreaseFairShareRanks never raises a standing user's rank and the
// deadline pass's already-counted dedup never fires.
func TestReconcileRebuildsCountsForStillActiveWorkers(t *testing.T) {
	img := types.Image{Group: "g", Name: "s1", Resources: resources.Resources{CPU: 1000, Memory: 1024}}
	images := &fakeImages{images: map[string]types.Image{img.Key(): img}}
	policy := config.BackendPolicy{FairShare: config.FairShareWeights{CPU: 1, Memory: 1}}
	a := scheduler.New("k8s", policy, images, nil, nil, nil, nil)
	a.DeadlinesPool.Resize(resources.Resources{})

	c := packing.NewCluster("c1")
	n := packing.NewNode("n1", resources.Resources{CPU: 8000, Memory: 8192})
	req := types.Requisition{User: "u1", Group: "g", Pipeline: "p1", Stage: "s1"}
	sp := &types.Spawned{Name: "w1", Cluster: "c1", Node: "n1", Requisition: req, Resources: img.Resources, Pool: types.Deadline}
	n.Spawned[sp.Deadline] = append(n.Spawned[sp.Deadline], sp)
	n.Available = resources.Resources{CPU: 7000, Memory: 7168}
	c.AddNode(n, 0, false)
	c.Total = n.Total
	c.Available = n.Available
	a.AddCluster(c, 0, false)
	// Counts/ImageCounts start empty, as they would after a fresh restart.

	// Backend reports the worker still live on the node.
	be := &fakeBackend{live: []backend.LiveNode{{Cluster: "c1", Node: "n1", Name: "w1"}}}
	r := New(be, a, images)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if a.Counts[req] != 1 {
		t.Fatalf("expected the still-active worker's requisition counted, got %d", a.Counts[req])
	}
	if a.ImageCounts[img.Key()] != 1 {
		t.Fatalf("expected the still-active worker's image counted, got %d", a.ImageCounts[img.Key()])
	}
}
