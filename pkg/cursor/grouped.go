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

package cursor

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// GroupPullFunc runs a PER PARTITION LIMIT query for one group,
// returning up to limit rows whose sort key is strictly greater than
// after ("" means the start of the partition). Sort keys are unique
// within a group; cross-group ordering is the cursor's job.
type GroupPullFunc func(ctx context.Context, group, after string, limit int) ([]Row, error)

// Grouped pages a no-time-bucketing, per-group-partitioned query,
// merging results by sort key and breaking cross-group ties with the
// group name. Each group resumes from the last sort key actually
// delivered for it, so a tie that crosses a page boundary is re-queried
// for exactly the groups whose tied row was not yet returned, ahead of
// any fresh rows those groups produce.
type Grouped struct {
	groups    []string
	pull      GroupPullFunc
	page      int
	last      map[string]string
	exhausted map[string]bool
}

// NewGrouped starts a grouped cursor over the given groups.
func NewGrouped(groups []string, pull GroupPullFunc, page int) *Grouped {
	return &Grouped{
		groups: groups, pull: pull, page: page,
		last:      map[string]string{},
		exhausted: map[string]bool{},
	}
}

// Exhausted reports whether every group has been fully drained.
func (gr *Grouped) Exhausted() bool {
	for _, g := range gr.groups {
		if !gr.exhausted[g] {
			return false
		}
	}
	return true
}

// Next pulls up to page+1 rows per live group, resuming each after its
// last delivered sort key, merges everything into (sort key, group)
// order, and returns at most one page. Rows cut off by the page
// boundary do not advance their group's resume key, so they come back
// at the head of the next page rather than being lost.
func (gr *Grouped) Next(ctx context.Context) ([]Row, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	results := make([][]Row, len(gr.groups))
	pulled := make([]bool, len(gr.groups))
	for i, group := range gr.groups {
		if gr.exhausted[group] {
			continue
		}
		pulled[i] = true
		i, group := i, group
		g.Go(func() error {
			rows, err := gr.pull(gctx, group, gr.last[group], gr.page+1)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Row
	for i, rows := range results {
		if pulled[i] && len(rows) == 0 {
			gr.exhausted[gr.groups[i]] = true
			continue
		}
		merged = append(merged, rows...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].ClusteringKey != merged[j].ClusteringKey {
			return merged[i].ClusteringKey < merged[j].ClusteringKey
		}
		return merged[i].Group < merged[j].Group
	})
	if len(merged) > gr.page {
		merged = merged[:gr.page]
	}
	for _, r := range merged {
		if r.ClusteringKey > gr.last[r.Group] {
			gr.last[r.Group] = r.ClusteringKey
		}
	}
	return merged, nil
}
