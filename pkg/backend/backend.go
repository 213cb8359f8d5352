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

// Package backend adapts the scheduler's placement decisions onto the
// concrete systems that actually run workers: Kubernetes clusters,
// SSH-managed bare-metal pools, libvirt hypervisors, Windows hosts
// reached over WinRM, and arbitrary externally-managed capacity.
// Every adapter implements the same small capability set so the
// scaler's reconcile and spawn paths never branch on backend kind.
package backend

import (
	"context"

	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// LiveNode is one worker a backend currently reports as running,
// pulled fresh every reconcile tick.
type LiveNode struct {
	Cluster string
	Node    string
	Name    string
	Failed  bool
}

// Backend is the capability set every adapter exposes to the scaler.
// Implementations must be safe for concurrent use: list_nodes, spawn,
// and terminate calls for different clusters can run in parallel.
type Backend interface {
	// Kind identifies this adapter for metric labels and logs.
	Kind() string
	// ListNodes returns every worker this backend currently believes
	// is running, across all of its clusters.
	ListNodes(ctx context.Context) ([]LiveNode, error)
	// Spawn starts image on cluster/node under the given worker name
	// (chosen by the scheduler at commit time, before the backend is
	// ever called) and returns the committed worker record. Using the
	// caller's name rather than minting one here is what lets the
	// reconciler match a tick's committed spawn back to the backend's
	// own live-worker listing.
	Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error)
	// Terminate stops a previously spawned worker.
	Terminate(ctx context.Context, cluster, node, name string) error
	// MaxSway returns the largest single-call scale delta allowed on
	// cluster, zero meaning unbounded.
	MaxSway(cluster string) float64
	// Dwell reports whether cluster is still in its post-scale cooldown
	// and should be skipped this tick.
	Dwell(cluster string) bool
}

// NodeCapacity is one node's total capacity as the backend itself
// understands it (k8s node allocatable, libvirt host info, a bare-metal
// or Windows host's reported cpu/memory). The reconciler never assumes
// this matches its own bookkeeping; it is always authoritative.
type NodeCapacity struct {
	Cluster string
	Node    string
	Total   resources.Resources
}

// NodeLister is implemented by every backend so the reconciler can learn
// node totals without the scaler ever having to configure per-node
// resource shapes by hand.
type NodeLister interface {
	NodeCapacity(ctx context.Context) ([]NodeCapacity, error)
}
