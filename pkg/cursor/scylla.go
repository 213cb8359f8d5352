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
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
)

// fanoutLimit bounds in-flight bucket-query goroutines to 50 at a time.
const fanoutLimit = 50

// Row is one item returned from a bucket query: a table-specific
// payload plus the ordering/tie-break fields every cursor variant
// needs.
type Row struct {
	Group         string
	Timestamp     time.Time
	ClusteringKey string
	DedupeKey     string
	Data          json.RawMessage
}

// PullFunc fetches every row in one (group, year, bucket) partition.
type PullFunc func(ctx context.Context, group string, year int, bucket int64) ([]Row, error)

// Schema describes the table-specific shape a Scylla cursor pages over:
// how big a bucket is, how many seconds a year spans (for the
// end-of-year bucket reset), and how many buckets to query per page.
type Schema struct {
	PartitionSize int64 // seconds per bucket
	YearSeconds   int64
	BucketLimit   int64 // how many buckets back to span per page (default ~99)
	Pull          PullFunc
}

// Retain is the serializable state a Scylla cursor persists between
// pages.
type Retain struct {
	ID            string               `json:"id"`
	Start         time.Time            `json:"start"`
	End           time.Time            `json:"end"`
	Groups        []string             `json:"groups"`
	Year          int                  `json:"year"`
	Bucket        int64                `json:"bucket"`
	EndYear       int                  `json:"end_year"`
	EndBucket     int64                `json:"end_bucket"`
	Dedupe        []string             `json:"dedupe,omitempty"`
	DedupeEnabled bool                 `json:"dedupe_enabled"`
	Exhausted     bool                 `json:"exhausted"`
	// Pending holds rows a span pull collected beyond the page limit,
	// carried forward so a page boundary mid-span never drops a row
	// that already came back from storage.
	Pending []Row `json:"pending,omitempty"`
}

// Scylla pages over a bucketed, group-partitioned table in descending
// timestamp order. A span pull can return more rows than one page
// holds; the remainder is buffered in Retain.Pending rather than
// discarded, so a page boundary never loses a row.
type Scylla struct {
	schema Schema
	store  Store
	retain Retain
	dedupe map[string]struct{}
}

// NewScylla starts a fresh cursor over [start, end] for the given
// groups.
func NewScylla(id string, schema Schema, start, end time.Time, groups []string, dedupeEnabled bool) *Scylla {
	startYear, startBucket := partition(start, schema)
	endYear, endBucket := partition(end, schema)
	return &Scylla{
		schema: schema,
		retain: Retain{
			ID: id, Start: start, End: end, Groups: groups,
			Year: startYear, Bucket: startBucket,
			EndYear: endYear, EndBucket: endBucket,
			DedupeEnabled: dedupeEnabled,
		},
		dedupe: map[string]struct{}{},
	}
}

func partition(t time.Time, schema Schema) (year int, bucket int64) {
	year = t.Year()
	startOfYear := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	offset := int64(t.Sub(startOfYear).Seconds())
	return year, offset / schema.PartitionSize
}

// Get restores a previously saved cursor from store.
func Get(ctx context.Context, store Store, schema Schema, id string) (*Scylla, error) {
	raw, ok, err := store.Get(ctx, Key("scylla", id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound(nil, "cursor", id)
	}
	var retain Retain
	if err := json.Unmarshal(raw, &retain); err != nil {
		return nil, errs.Transient(err, "cursor", id)
	}
	dedupe := map[string]struct{}{}
	for _, k := range retain.Dedupe {
		dedupe[k] = struct{}{}
	}
	return &Scylla{schema: schema, store: store, retain: retain, dedupe: dedupe}, nil
}

// Exhausted reports whether every bucket down to the end has been
// consumed.
func (s *Scylla) Exhausted() bool {
	return s.retain.Exhausted
}

// Next pulls up to limit rows, fanning out bucket queries bounded at
// fanoutLimit in flight, sort-merging into descending (timestamp,
// clustering key) order, and advancing the bucket/year state machine.
func (s *Scylla) Next(ctx context.Context, limit int) ([]Row, error) {
	started := time.Now()
	defer func() {
		metrics.CursorPageDuration.WithLabelValues("scylla").Observe(time.Since(started).Seconds())
	}()
	collected := s.retain.Pending
	s.retain.Pending = nil
	for len(collected) < limit && !s.retain.Exhausted {
		batch, err := s.pullOneSpan(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			if s.retain.DedupeEnabled {
				if _, seen := s.dedupe[r.DedupeKey]; seen {
					continue
				}
				s.dedupe[r.DedupeKey] = struct{}{}
			}
			collected = append(collected, r)
		}
	}
	sort.Slice(collected, func(i, j int) bool {
		if !collected[i].Timestamp.Equal(collected[j].Timestamp) {
			return collected[i].Timestamp.After(collected[j].Timestamp)
		}
		return collected[i].ClusteringKey < collected[j].ClusteringKey
	})
	if len(collected) > limit {
		s.retain.Pending = append([]Row(nil), collected[limit:]...)
		collected = collected[:limit]
	}
	return collected, nil
}

// pullOneSpan queries every group over the current [end, bucket] span
// and advances year/bucket afterward.
func (s *Scylla) pullOneSpan(ctx context.Context) ([]Row, error) {
	finalYear := s.retain.Year == s.retain.EndYear
	end := s.retain.Bucket - s.schema.BucketLimit
	if finalYear {
		if end < s.retain.EndBucket {
			end = s.retain.EndBucket
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	rowsCh := make(chan []Row, len(s.retain.Groups)*int(s.retain.Bucket-end+1))

	for _, group := range s.retain.Groups {
		group := group
		for b := s.retain.Bucket; b >= end; b-- {
			b := b
			g.Go(func() error {
				rows, err := s.schema.Pull(gctx, group, s.retain.Year, b)
				if err != nil {
					return errs.Transient(err, "group", group, "bucket", b)
				}
				rowsCh <- rows
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(rowsCh)

	var out []Row
	for rows := range rowsCh {
		out = append(out, rows...)
	}

	switch {
	case finalYear && end <= s.retain.EndBucket:
		s.retain.Bucket = s.retain.EndBucket
		s.retain.Exhausted = true
	case end > 0:
		s.retain.Bucket = end - 1
	default:
		s.retain.Year--
		s.retain.Bucket = s.schema.YearSeconds / s.schema.PartitionSize
	}
	return out, nil
}

// Save persists retained state, or deletes it if the cursor is
// exhausted.
func (s *Scylla) Save(ctx context.Context) error {
	if s.retain.Exhausted {
		return s.store.Del(ctx, Key("scylla", s.retain.ID))
	}
	s.retain.Dedupe = s.retain.Dedupe[:0]
	for k := range s.dedupe {
		s.retain.Dedupe = append(s.retain.Dedupe, k)
	}
	raw, err := json.Marshal(s.retain)
	if err != nil {
		return errs.Transient(err, "cursor", s.retain.ID)
	}
	return s.store.Set(ctx, Key("scylla", s.retain.ID), raw, RetainTTL)
}
