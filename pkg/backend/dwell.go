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

package backend

import (
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// dwellTracker remembers, per cluster, that a scale-affecting action
// just happened and the cluster should sit out further scaling for its
// configured dwell window. Entries expire themselves through the cache's
// own per-entry TTL; re-arming a cluster overwrites its entry and resets
// that TTL. The eviction callback does nothing, and the sequence number
// stored with each entry is not read.
type dwellTracker struct {
	cache *cache.Cache
	seq   int64
}

type dwellEntry struct {
	seq int64
}

func newDwellTracker() *dwellTracker {
	d := &dwellTracker{cache: cache.New(cache.NoExpiration, time.Minute)}
	d.cache.OnEvicted(func(string, interface{}) {})
	return d
}

// Arm starts (or restarts) cluster's dwell window.
func (d *dwellTracker) Arm(cluster string, dwell time.Duration) {
	if dwell <= 0 {
		return
	}
	seq := atomic.AddInt64(&d.seq, 1)
	d.cache.Set(cluster, dwellEntry{seq: seq}, dwell)
}

// Dwelling reports whether cluster is still inside a live dwell window.
func (d *dwellTracker) Dwelling(cluster string) bool {
	_, ok := d.cache.Get(cluster)
	return ok
}
