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
	"time"
)

func TestIntersectBucketsMatchesOnlyCommonBuckets(t *testing.T) {
	termBuckets := map[TagTerm][]int64{
		{Key: "os", Value: "linux"}: {100, 99, 97, 95},
		{Key: "arch", Value: "x86"}: {100, 99, 95},
		{Key: "arch", Value: "arm"}: {99, 97, 95},
	}
	buckets, possible := IntersectBuckets(termBuckets, 3)
	if !possible {
		t.Fatalf("expected an intersection to be possible")
	}
	if len(buckets) != 2 || buckets[0] != 99 || buckets[1] != 95 {
		t.Fatalf("expected buckets [99, 95] in descending order, got %v", buckets)
	}
}

// TestTagCursorStopsWhenTermNeverProducedData verifies the "possible"
// short-circuit: once fewer than the required number of terms have ever
// returned any census data, the cursor must declare itself done rather
// than loop forever.
func TestTagCursorStopsWhenTermNeverProducedData(t *testing.T) {
	census := func(ctx context.Context, group, key, value string, before int64, page int) ([]int64, error) {
		if key == "os" {
			return []int64{100, 99, 95}, nil
		}
		return nil, nil // arch term never has any data
	}
	pull := func(ctx context.Context, group, key, value string, year int, bucket int64) ([]Row, error) {
		t.Fatalf("pull should never be called once no intersection is possible")
		return nil, nil
	}
	tc := NewTagCursor("g1", map[string][]string{"os": {"linux"}, "arch": {"x86"}}, census, pull, 100, 2026)

	rows, done, err := tc.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatalf("expected the cursor to report done when a term never intersects")
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows")
	}
}

// TestTagCursorIntersectionAndItemMatching is scenario S5: items tagged
// (os=linux, arch=x86) live in buckets {100, 99, 95} and items tagged
// (os=linux, arch=arm) in {99, 97, 95}. A query for
// {os:[linux], arch:[x86,arm]} must pull only the bucket intersection
// {99, 95} (highest first) and, within a pulled bucket, emit only items
// carrying both an os match and an arch match: an item tagged os=linux
// alone is skipped even though its rows come back from the os term's
// partition.
func TestTagCursorIntersectionAndItemMatching(t *testing.T) {
	t99 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// itemTags is the ground truth: which (key,value) tags each item in
	// bucket 99 carries.
	itemTags := map[string]map[TagTerm]bool{
		"item-x86":     {{Key: "os", Value: "linux"}: true, {Key: "arch", Value: "x86"}: true},
		"item-arm":     {{Key: "os", Value: "linux"}: true, {Key: "arch", Value: "arm"}: true},
		"item-os-only": {{Key: "os", Value: "linux"}: true},
	}
	censusData := map[TagTerm][]int64{
		{Key: "os", Value: "linux"}: {100, 99, 97, 95},
		{Key: "arch", Value: "x86"}: {100, 99, 95},
		{Key: "arch", Value: "arm"}: {99, 97, 95},
	}
	census := func(ctx context.Context, group, key, value string, before int64, page int) ([]int64, error) {
		var out []int64
		for _, b := range censusData[TagTerm{Key: key, Value: value}] {
			if b <= before {
				out = append(out, b)
			}
		}
		return out, nil
	}
	var pulledBucket int64 = -1
	pull := func(ctx context.Context, group, key, value string, year int, bucket int64) ([]Row, error) {
		pulledBucket = bucket
		var rows []Row
		for item, tags := range itemTags {
			if tags[TagTerm{Key: key, Value: value}] {
				rows = append(rows, Row{Group: group, Timestamp: t99, ClusteringKey: item})
			}
		}
		return rows, nil
	}
	tc := NewTagCursor("g1", map[string][]string{"os": {"linux"}, "arch": {"x86", "arm"}}, census, pull, 100, 2026)

	rows, done, err := tc.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatalf("expected a match to be found")
	}
	if pulledBucket != 99 {
		t.Fatalf("expected the highest intersecting bucket (99) pulled first, got %d", pulledBucket)
	}
	if len(rows) != 2 {
		t.Fatalf("expected exactly the two items carrying both keys, got %d rows", len(rows))
	}
	if rows[0].ClusteringKey != "item-arm" || rows[1].ClusteringKey != "item-x86" {
		t.Fatalf("expected tied timestamps ordered by clustering key, got %q then %q",
			rows[0].ClusteringKey, rows[1].ClusteringKey)
	}

	// The next page must resume strictly below the bucket just consumed.
	if _, _, err := tc.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pulledBucket != 95 {
		t.Fatalf("expected the watermark to move past bucket 99 to 95, got %d", pulledBucket)
	}
}
