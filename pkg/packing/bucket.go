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

// Package packing implements the node and cluster bin-packers: ordered
// collections keyed by available cpu millicores so the allocator can
// always reach for the heaviest-available candidate first. Go has no
// built-in ordered map, so CPUBuckets keeps a sorted key slice beside a
// plain map and sorts a bucket's names when Descend walks it.
package packing

import (
	"sort"
)

// CPUBuckets buckets values of type T by an available-cpu key, in
// ascending key order, with descending-order iteration available via
// Descend. Within a bucket, Descend visits entries sorted by name so
// ties are broken lexicographically.
type CPUBuckets[T any] struct {
	keys    []int64
	buckets map[int64]map[string]T
}

// NewCPUBuckets returns an empty bucket set.
func NewCPUBuckets[T any]() *CPUBuckets[T] {
	return &CPUBuckets[T]{buckets: map[int64]map[string]T{}}
}

// Insert places value under (cpu, name), creating the bucket if needed.
func (b *CPUBuckets[T]) Insert(cpu int64, name string, value T) {
	bucket, ok := b.buckets[cpu]
	if !ok {
		bucket = map[string]T{}
		b.buckets[cpu] = bucket
		b.insertKey(cpu)
	}
	bucket[name] = value
}

// Remove deletes (cpu, name), pruning the bucket and its key if it
// becomes empty. It is a no-op if the entry isn't present.
func (b *CPUBuckets[T]) Remove(cpu int64, name string) {
	bucket, ok := b.buckets[cpu]
	if !ok {
		return
	}
	delete(bucket, name)
	if len(bucket) == 0 {
		delete(b.buckets, cpu)
		b.removeKey(cpu)
	}
}

// Move relocates name from oldCPU to newCPU, the rebucketing step that
// keeps the outer allocation loop's ordering invariant intact.
func (b *CPUBuckets[T]) Move(oldCPU, newCPU int64, name string, value T) {
	if oldCPU == newCPU {
		if bucket, ok := b.buckets[oldCPU]; ok {
			bucket[name] = value
			return
		}
	}
	b.Remove(oldCPU, name)
	b.Insert(newCPU, name, value)
}

// Descend calls fn for every (cpu, name, value) triple, highest cpu
// first and lexicographic name order within a cpu tier. fn returning
// false stops iteration early.
func (b *CPUBuckets[T]) Descend(fn func(cpu int64, name string, value T) bool) {
	for i := len(b.keys) - 1; i >= 0; i-- {
		cpu := b.keys[i]
		bucket := b.buckets[cpu]
		names := make([]string, 0, len(bucket))
		for n := range bucket {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if !fn(cpu, n, bucket[n]) {
				return
			}
		}
	}
}

// Len returns the total number of entries across all buckets.
func (b *CPUBuckets[T]) Len() int {
	n := 0
	for _, bucket := range b.buckets {
		n += len(bucket)
	}
	return n
}

func (b *CPUBuckets[T]) insertKey(cpu int64) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= cpu })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = cpu
}

func (b *CPUBuckets[T]) removeKey(cpu int64) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= cpu })
	if i < len(b.keys) && b.keys[i] == cpu {
		b.keys = append(b.keys[:i], b.keys[i+1:]...)
	}
}
