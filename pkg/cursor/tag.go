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
)

// TagTerm is one required (key, value) pair a tag cursor filters on.
// A query maps each key to one or more acceptable values: an item must
// match every key, through any one of that key's values.
type TagTerm struct {
	Key   string
	Value string
}

// CensusFunc returns the sorted set of buckets, descending, that
// contain at least one row matching (group, key, value), bounded to
// page rows at or below the before watermark.
type CensusFunc func(ctx context.Context, group, key, value string, before int64, page int) ([]int64, error)

// TagPullFunc reads the rows in one (group, key, value, year, bucket)
// tag partition. The tag table stores one row per (item, tag) pair, so
// an item carrying several of the query's terms comes back once per
// term and the cursor counts how many keys each item satisfied.
type TagPullFunc func(ctx context.Context, group, key, value string, year int, bucket int64) ([]Row, error)

// IntersectBuckets computes the buckets where every required (key,
// value) term has census data, the core of the tag cursor's "next
// buckets" step. possible is false when fewer than requiredTerms terms
// returned any census data, signalling the search can stop.
func IntersectBuckets(termBuckets map[TagTerm][]int64, requiredTerms int) (buckets []int64, possible bool) {
	withData := 0
	for _, bs := range termBuckets {
		if len(bs) > 0 {
			withData++
		}
	}
	if withData < requiredTerms {
		return nil, false
	}
	counts := map[int64]int{}
	for _, bs := range termBuckets {
		seen := map[int64]struct{}{}
		for _, b := range bs {
			if _, dup := seen[b]; dup {
				continue
			}
			seen[b] = struct{}{}
			counts[b]++
		}
	}
	for b, c := range counts {
		if c == requiredTerms {
			buckets = append(buckets, b)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] > buckets[j] })
	return buckets, true
}

// pageSize is how many census entries are requested per term per
// narrowing round.
const pageSize = 100

// TagCursor pages a multi-key tag query by narrowing candidate buckets
// to the intersection of every term's census, then pulling only the
// rows in those buckets and emitting only the items that carry every
// required key.
type TagCursor struct {
	group        string
	terms        []TagTerm
	requiredKeys int
	census       CensusFunc
	pull         TagPullFunc
	before       int64
	year         int
	done         bool
}

// NewTagCursor starts a tag-intersection search for group starting at
// the given bucket. tags maps each required key to its acceptable
// values; an item matches when every key matches through at least one
// of its values.
func NewTagCursor(group string, tags map[string][]string, census CensusFunc, pull TagPullFunc, startBucket int64, year int) *TagCursor {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var terms []TagTerm
	for _, k := range keys {
		for _, v := range tags[k] {
			terms = append(terms, TagTerm{Key: k, Value: v})
		}
	}
	return &TagCursor{
		group: group, terms: terms, requiredKeys: len(tags),
		census: census, pull: pull, before: startBucket, year: year,
	}
}

// Next narrows to the current intersection of term buckets and pulls
// rows from the highest matching bucket. It returns done=true once no
// term can possibly intersect further. Rows come back in descending
// timestamp order, clustering key ascending within a timestamp.
func (t *TagCursor) Next(ctx context.Context) (rows []Row, done bool, err error) {
	if t.done {
		return nil, true, nil
	}
	termBuckets := map[TagTerm][]int64{}
	for _, term := range t.terms {
		buckets, cerr := t.census(ctx, t.group, term.Key, term.Value, t.before, pageSize)
		if cerr != nil {
			return nil, false, cerr
		}
		termBuckets[term] = buckets
	}
	matched, possible := IntersectBuckets(termBuckets, len(t.terms))
	if !possible || len(matched) == 0 {
		t.done = true
		return nil, true, nil
	}
	bucket := matched[0]
	rows, err = t.matchBucket(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	t.before = bucket - 1
	return rows, false, nil
}

// matchBucket pulls every term's rows for one bucket and keeps only the
// items whose term rows cover every required key.
func (t *TagCursor) matchBucket(ctx context.Context, bucket int64) ([]Row, error) {
	type tally struct {
		row  Row
		keys map[string]struct{}
	}
	items := map[string]*tally{}
	for _, term := range t.terms {
		rows, err := t.pull(ctx, t.group, term.Key, term.Value, t.year, bucket)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			item, seen := items[r.ClusteringKey]
			if !seen {
				item = &tally{row: r, keys: map[string]struct{}{}}
				items[r.ClusteringKey] = item
			}
			item.keys[term.Key] = struct{}{}
		}
	}
	var out []Row
	for _, item := range items {
		if len(item.keys) == t.requiredKeys {
			out = append(out, item.row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ClusteringKey < out[j].ClusteringKey
	})
	return out, nil
}
