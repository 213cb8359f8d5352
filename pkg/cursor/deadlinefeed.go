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

	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// deadlineRow is the storage-layer payload one bucketed deadline row
// decodes into: partitioned by (scaler_tag, year, bucket), clustered by
// (deadline asc, job_id), carrying group/pipeline/stage/user/job_id/deadline.
type deadlineRow struct {
	Group    string    `json:"group"`
	Pipeline string    `json:"pipeline"`
	Stage    string    `json:"stage"`
	User     string    `json:"user"`
	JobID    string    `json:"job_id"`
	Deadline time.Time `json:"deadline"`
}

// DeadlineFeed implements pkg/scheduler.DeadlineSource over the cursor
// engine's Scylla variant: every call opens a fresh, unpaged cursor over
// [now, now+window] for the requested scaler tag and drains it, since
// the deadline pass always wants the whole current window rather than a
// single resumable page (pagination is for the storage-layer API
// surface the scaler itself doesn't expose).
type DeadlineFeed struct {
	schema Schema
}

// NewDeadlineFeed builds a feed whose bucket reads go through pull (see
// NewGocqlPull for the concrete Scylla-backed implementation).
func NewDeadlineFeed(pull PullFunc, partitionSize, yearSeconds, bucketLimit int64) *DeadlineFeed {
	return &DeadlineFeed{schema: Schema{
		PartitionSize: partitionSize,
		YearSeconds:   yearSeconds,
		BucketLimit:   bucketLimit,
		Pull:          pull,
	}}
}

// Deadlines drains the full deadline window for scalerTag, returning
// rows in ascending deadline order (earliest first) regardless of the
// descending bucket walk the underlying cursor performs internally.
func (f *DeadlineFeed) Deadlines(ctx context.Context, scalerTag string, window int64) ([]types.Deadline, error) {
	if f.schema.Pull == nil {
		// No storage configured; the deadline pass sees an empty window.
		return nil, nil
	}
	now := time.Now()
	end := now
	start := now.Add(time.Duration(window) * time.Second)
	cur := NewScylla("", f.schema, start, end, []string{scalerTag}, false)

	var out []types.Deadline
	for !cur.Exhausted() {
		rows, err := cur.Next(ctx, 1000)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 && cur.Exhausted() {
			break
		}
		for _, r := range rows {
			var d deadlineRow
			if err := json.Unmarshal(r.Data, &d); err != nil {
				return nil, errs.Transient(err, "scaler_tag", scalerTag)
			}
			out = append(out, types.Deadline{
				Timestamp: d.Deadline,
				Group:     d.Group,
				Pipeline:  d.Pipeline,
				Stage:     d.Stage,
				User:      d.User,
				ScalerTag: scalerTag,
				JobID:     d.JobID,
			})
		}
		if len(rows) == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
