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

import "sort"

// rankBuckets keeps users grouped by fair-share rank in ascending order,
// giving O(log n) access to the lowest-rank group with outstanding
// work. Go has no BTreeMap, so this keeps a sorted key slice beside the
// bucket map, the same approach packing.CPUBuckets uses for cpu tiers.
type rankBuckets struct {
	keys    []float64
	buckets map[float64]map[string]struct{}
}

func newRankBuckets() *rankBuckets {
	return &rankBuckets{buckets: map[float64]map[string]struct{}{}}
}

// Insert places user under rank, creating the bucket if needed.
func (r *rankBuckets) Insert(rank float64, user string) {
	bucket, ok := r.buckets[rank]
	if !ok {
		bucket = map[string]struct{}{}
		r.buckets[rank] = bucket
		i := sort.SearchFloat64s(r.keys, rank)
		r.keys = append(r.keys, 0)
		copy(r.keys[i+1:], r.keys[i:])
		r.keys[i] = rank
	}
	bucket[user] = struct{}{}
}

// Remove deletes user from rank, pruning the bucket if it empties.
func (r *rankBuckets) Remove(rank float64, user string) {
	bucket, ok := r.buckets[rank]
	if !ok {
		return
	}
	delete(bucket, user)
	if len(bucket) == 0 {
		delete(r.buckets, rank)
		i := sort.SearchFloat64s(r.keys, rank)
		if i < len(r.keys) && r.keys[i] == rank {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
		}
	}
}

// PopLowest removes and returns the lowest-rank bucket in its entirety.
func (r *rankBuckets) PopLowest() (rank float64, users []string, ok bool) {
	if len(r.keys) == 0 {
		return 0, nil, false
	}
	rank = r.keys[0]
	bucket := r.buckets[rank]
	users = make([]string, 0, len(bucket))
	for u := range bucket {
		users = append(users, u)
	}
	sort.Strings(users)
	delete(r.buckets, rank)
	r.keys = r.keys[1:]
	return rank, users, true
}

// RankOf returns the rank currently assigned to user, scanning all
// buckets. Used by the two rank-adjustment passes, which already know
// the user and only need their current key to remove-then-reinsert.
func (r *rankBuckets) RankOf(user string) (float64, bool) {
	for rank, bucket := range r.buckets {
		if _, ok := bucket[user]; ok {
			return rank, true
		}
	}
	return 0, false
}

// All flattens the structure into a rank->users map, used by the decay
// pass which must touch every user regardless of current rank.
func (r *rankBuckets) All() map[float64][]string {
	out := make(map[float64][]string, len(r.buckets))
	for rank, bucket := range r.buckets {
		users := make([]string, 0, len(bucket))
		for u := range bucket {
			users = append(users, u)
		}
		out[rank] = users
	}
	return out
}

// Clear empties the structure, returning the full set of users it held.
func (r *rankBuckets) Clear() []string {
	var all []string
	for _, bucket := range r.buckets {
		for u := range bucket {
			all = append(all, u)
		}
	}
	r.keys = nil
	r.buckets = map[float64]map[string]struct{}{}
	return all
}
