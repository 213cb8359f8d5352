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
	"testing"

	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/restrict"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

func TestAllocatePicksHeaviestAvailableNode(t *testing.T) {
	c := NewCluster("k8s-alpha")
	n1 := NewNode("n1", resources.Resources{CPU: 8000, Memory: 16 * 1024})
	n2 := NewNode("n2", resources.Resources{CPU: 4000, Memory: 8 * 1024})
	c.AddNode(n1, 0, false)
	c.AddNode(n2, 0, false)
	c.Total = n1.Total.Add(n2.Total)
	c.Available = c.Total

	image := types.Image{
		Group:     "g",
		Name:      "s1",
		Resources: resources.Resources{CPU: 2000, Memory: 4 * 1024},
	}

	placed, ok := c.Allocate(image, restrict.New())
	if !ok {
		t.Fatalf("expected placement to succeed")
	}
	if placed != "n1" {
		t.Fatalf("expected placement on n1 (higher available cpu), got %s", placed)
	}

	got, ok := c.Node("n1")
	if !ok {
		t.Fatalf("n1 should still be tracked")
	}
	if got.Available.CPU != 6000 {
		t.Fatalf("expected n1.available.cpu = 6000 after commit, got %d", got.Available.CPU)
	}
}

func TestAllocateRespectsNodeAllowlist(t *testing.T) {
	c := NewCluster("k8s-alpha")
	n1 := NewNode("n1", resources.Resources{CPU: 8000, Memory: 16 * 1024})
	n2 := NewNode("n2", resources.Resources{CPU: 4000, Memory: 8 * 1024})
	c.AddNode(n1, 0, false)
	c.AddNode(n2, 0, false)
	c.Total = n1.Total.Add(n2.Total)
	c.Available = c.Total

	restrictions := restrict.New()
	restrictions.Allow("k8s-alpha", "g", "s1", []string{"n2"})

	image := types.Image{Group: "g", Name: "s1", Resources: resources.Resources{CPU: 1000, Memory: 1024}}
	placed, ok := c.Allocate(image, restrictions)
	if !ok {
		t.Fatalf("expected placement to succeed on the allowed node")
	}
	if placed != "n2" {
		t.Fatalf("expected placement restricted to n2, got %s", placed)
	}
}

func TestAllocateSkipsWrongClusterRestriction(t *testing.T) {
	c := NewCluster("k8s-beta")
	n1 := NewNode("n1", resources.Resources{CPU: 8000, Memory: 16 * 1024})
	c.AddNode(n1, 0, false)
	c.Total = n1.Total
	c.Available = c.Total

	restrictions := restrict.New()
	restrictions.SetRestricted("k8s-beta")
	restrictions.Allow("k8s-alpha", "g", "s1", []string{"n1"})

	image := types.Image{Group: "g", Name: "s1", Resources: resources.Resources{CPU: 1000, Memory: 1024}}
	if _, ok := c.Allocate(image, restrictions); ok {
		t.Fatalf("expected restricted cluster with no entry for this image to refuse placement")
	}
}

func TestRecomputeLowResources(t *testing.T) {
	c := NewCluster("c1")
	c.Total = resources.Resources{CPU: 10000, Memory: 10 * 1024}

	c.Available = resources.Resources{CPU: 4000, Memory: 4 * 1024}
	c.RecomputeLowResources()
	if c.LowResources {
		t.Fatalf("40%% available should not be low_resources")
	}

	c.Available = resources.Resources{CPU: 400, Memory: 4 * 1024}
	c.RecomputeLowResources()
	if !c.LowResources {
		t.Fatalf("cpu below 5%% available should trip low_resources")
	}

	c.Total = resources.Resources{}
	c.Available = resources.Resources{}
	c.RecomputeLowResources()
	if c.LowResources {
		t.Fatalf("zero total must not divide by zero into low_resources=true")
	}
}
