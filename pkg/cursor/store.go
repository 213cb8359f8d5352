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

// Package cursor implements the scaler's pageable cursor engine: bucketed
// Scylla-style paging (plain, tag-intersected, grouped, simple) and an
// Elastic point-in-time variant, all resumable through a key-value store
// keyed by cursor id.
package cursor

import (
	"context"
	"time"
)

// RetainTTL is how long a saved cursor's state survives without being
// resumed, roughly 2,628,000 seconds (one month) per the external
// interface's persisted-state layout.
const RetainTTL = 2628000 * time.Second

// Store persists opaque cursor retain blobs under a key. The wire
// protocol below it (CQL, Redis RESP, Elastic REST) is implementation
// detail the cursor types never see.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Key builds the "cursor:<kind>:<uuid>" key the external interface
// documents.
func Key(kind, id string) string {
	return "cursor:" + kind + ":" + id
}
