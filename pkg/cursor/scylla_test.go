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

// TestScyllaResumesAcrossTimestampTie is scenario S6: three items share
// one timestamp; with a page size of 2 the first page must return the
// first two by clustering key and the second page must return exactly
// the third, never re-delivering the second.
func TestScyllaResumesAcrossTimestampTie(t *testing.T) {
	tied := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	all := []Row{
		{Group: "g1", Timestamp: tied, ClusteringKey: "a", DedupeKey: "a"},
		{Group: "g1", Timestamp: tied, ClusteringKey: "b", DedupeKey: "b"},
		{Group: "g1", Timestamp: tied, ClusteringKey: "c", DedupeKey: "c"},
	}
	schema := Schema{
		PartitionSize: 3600,
		YearSeconds:   365 * 24 * 3600,
		BucketLimit:   99,
		Pull: func(ctx context.Context, group string, year int, bucket int64) ([]Row, error) {
			return all, nil
		},
	}
	s := NewScylla("test", schema, tied, tied, []string{"g1"}, false)

	page1, err := s.Next(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ClusteringKey != "a" || page1[1].ClusteringKey != "b" {
		t.Fatalf("expected first page {a,b}, got %+v", page1)
	}

	page2, err := s.Next(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 1 || page2[0].ClusteringKey != "c" {
		t.Fatalf("expected second page {c} with no duplicate or dropped row, got %+v", page2)
	}
	if !s.Exhausted() {
		t.Fatalf("expected cursor to be exhausted after draining the only bucket")
	}
}

// TestScyllaDedupeSkipsRepeatedKey verifies at-most-once delivery when
// dedupe is enabled: a row whose DedupeKey was already seen is dropped.
func TestScyllaDedupeSkipsRepeatedKey(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour)
	calls := 0
	schema := Schema{
		PartitionSize: 3600,
		YearSeconds:   365 * 24 * 3600,
		BucketLimit:   0, // force one bucket per span, so this Next() call loops over multiple buckets
		Pull: func(ctx context.Context, group string, year int, bucket int64) ([]Row, error) {
			calls++
			if calls == 1 {
				return []Row{{Group: group, Timestamp: t1, ClusteringKey: "a", DedupeKey: "dup"}}, nil
			}
			return []Row{{Group: group, Timestamp: t2, ClusteringKey: "a", DedupeKey: "dup"}}, nil
		},
	}
	start := t1
	end := t1.Add(-2 * time.Hour)
	s := NewScylla("test", schema, start, end, []string{"g1"}, true)

	page, err := s.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("expected the repeated dedupe key delivered exactly once across buckets, got %d rows", len(page))
	}
}
