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

import (
	"context"

	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// Outstanding is one of a user's requisitions along with how many jobs
// are currently waiting on it, as reported by the storage layer.
type Outstanding struct {
	Requisition types.Requisition
	Count       int64
}

// FairShareSource reports a user's outstanding work, grouped by
// requisition, for the fair-share pass. This is an external collaborator
// (the job-statistics view the API layer maintains); the scheduler only
// needs the read contract.
type FairShareSource interface {
	Outstanding(ctx context.Context, user string) ([]Outstanding, error)
}

// DeadlineSource yields the current window of deadline-ordered work via
// the cursor engine (see pkg/cursor). Kept as an interface here so the
// scheduler package doesn't import cursor internals directly.
type DeadlineSource interface {
	Deadlines(ctx context.Context, scalerTag string, window int64) ([]types.Deadline, error)
}

// ImageLookup resolves a deadline's (group, stage) to its image.
type ImageLookup interface {
	GetImage(group, stage string) (types.Image, bool)
}

// BanLookup decides whether a deadline's image and pipeline are clear
// to schedule.
type BanLookup interface {
	Allowed(d types.Deadline) (types.Image, bool)
}

// UserLookup enumerates every user currently known to the system, so the
// fair-share rank map can be seeded with users that have no running
// workers yet (and therefore no existing rank entry of their own).
type UserLookup interface {
	Users() []string
}
