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
	"testing"
)

// pullFromFixture serves each group's rows in sort-key order, resuming
// strictly after the given key, the contract a PER PARTITION LIMIT
// query with a resume bound satisfies.
func pullFromFixture(data map[string][]string) GroupPullFunc {
	return func(_ context.Context, group, after string, limit int) ([]Row, error) {
		var rows []Row
		for _, key := range data[group] {
			if key <= after && after != "" {
				continue
			}
			rows = append(rows, Row{Group: group, ClusteringKey: key})
			if len(rows) == limit {
				break
			}
		}
		return rows, nil
	}
}

// TestGroupedCarriesCrossGroupTieAcrossPageBoundary pins the tie
// contract: three groups share sort key "k1" and the page holds two
// rows, so the third group's tied row must open the next page — neither
// duplicated nor dropped — before any fresh keys.
func TestGroupedCarriesCrossGroupTieAcrossPageBoundary(t *testing.T) {
	gr := NewGrouped([]string{"g1", "g2", "g3"}, pullFromFixture(map[string][]string{
		"g1": {"k1"},
		"g2": {"k1", "k2"},
		"g3": {"k1"},
	}), 2)

	page1, err := gr.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 ||
		page1[0].Group != "g1" || page1[0].ClusteringKey != "k1" ||
		page1[1].Group != "g2" || page1[1].ClusteringKey != "k1" {
		t.Fatalf("expected first page {g1/k1, g2/k1} with group as tie-breaker, got %+v", page1)
	}

	page2, err := gr.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 ||
		page2[0].Group != "g3" || page2[0].ClusteringKey != "k1" ||
		page2[1].Group != "g2" || page2[1].ClusteringKey != "k2" {
		t.Fatalf("expected second page {g3/k1, g2/k2}, got %+v", page2)
	}

	page3, err := gr.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 0 {
		t.Fatalf("expected all rows drained after two pages, got %+v", page3)
	}
	if !gr.Exhausted() {
		t.Fatalf("expected the cursor exhausted once every group is drained")
	}
}
