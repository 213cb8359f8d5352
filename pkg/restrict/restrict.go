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

// Package restrict holds the image-to-node restriction table the
// cluster allocator consults before placing a spawn.
package restrict

// Verdict is the outcome of checking whether an image may land on a
// given cluster at all, and if so, which nodes within it are eligible.
type Verdict int

const (
	// Unrestricted means the image may land on any node in the cluster.
	Unrestricted Verdict = iota
	// Allowed means the image is confined to a specific node allowlist
	// within this cluster.
	Allowed
	// WrongCluster means this cluster does not accept the image at all;
	// the cluster allocator must move on to the next cluster.
	WrongCluster
)

// entry key is (cluster, group, image).
type key struct {
	cluster, group, image string
}

// Table is a process-wide map from (cluster, group, image) to the node
// allowlist that image is confined to within that cluster, plus the set
// of clusters marked fully restricted (accept only images with an
// explicit entry).
type Table struct {
	allow      map[key][]string
	restricted map[string]struct{}
}

// New builds an empty restriction table.
func New() *Table {
	return &Table{
		allow:      map[key][]string{},
		restricted: map[string]struct{}{},
	}
}

// SetRestricted marks a cluster as restricted: only images with an
// explicit Allow entry may be placed on it.
func (t *Table) SetRestricted(cluster string) {
	t.restricted[cluster] = struct{}{}
}

// Allow restricts image (group, name) on cluster to the given node
// names. An empty nodes list is nonsensical and treated as "no nodes
// eligible", not as unrestricted.
func (t *Table) Allow(cluster, group, image string, nodes []string) {
	t.allow[key{cluster, group, image}] = nodes
}

// Check reports whether the image may be placed on cluster, and if
// restricted to specific nodes, which ones.
func (t *Table) Check(cluster, group, image string) (Verdict, []string) {
	if nodes, ok := t.allow[key{cluster, group, image}]; ok {
		return Allowed, nodes
	}
	if _, restricted := t.restricted[cluster]; restricted {
		return WrongCluster, nil
	}
	return Unrestricted, nil
}
