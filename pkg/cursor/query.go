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
	"errors"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
)

// QueryService exposes the Scylla cursor as a resumable, id-addressed
// paging query: a caller supplies an id once and gets the same cursor
// position back on every subsequent call, persisted through store until
// the cursor is exhausted (or its retained state ages out past
// RetainTTL).
type QueryService struct {
	store   Store
	schemas map[string]Schema
}

// NewQueryService builds a service over the named schemas (e.g.
// "deadlines", "spawns"), each keyed by the kind a caller passes to Page.
func NewQueryService(store Store, schemas map[string]Schema) *QueryService {
	return &QueryService{store: store, schemas: schemas}
}

// Page returns up to limit rows for the (kind, id) query, starting a
// fresh cursor over [start, end] the first time id is seen and resuming
// it by id on every later call. The returned bool reports whether the
// cursor is now exhausted.
func (q *QueryService) Page(ctx context.Context, kind, id string, start, end time.Time, groups []string, limit int) ([]Row, bool, error) {
	schema, ok := q.schemas[kind]
	if !ok {
		return nil, false, errs.InvalidConfig(nil, "kind", kind)
	}

	cur, err := Get(ctx, q.store, schema, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, false, err
	}
	if cur == nil {
		cur = NewScylla(id, schema, start, end, groups, false)
		cur.store = q.store
	}

	rows, err := cur.Next(ctx, limit)
	if err != nil {
		return nil, false, err
	}
	if err := cur.Save(ctx); err != nil {
		return nil, false, err
	}
	return rows, cur.Exhausted(), nil
}
