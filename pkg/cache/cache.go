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

// Package cache holds the scaler's process-local snapshot of users,
// images, pipelines, and settings. The snapshot is replaced wholesale on
// a configurable interval; between reloads every read is a plain map
// lookup with no locking cost beyond a single RWMutex.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/logging"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

const (
	// DefaultLifetime is the cache reload interval when config doesn't
	// override thorium.scaler.cache_lifetime.
	DefaultLifetime = 10 * time.Minute
)

// Pipeline is the subset of pipeline metadata the scaler needs: which
// group it belongs to and its own ban list.
type Pipeline struct {
	Group   string
	Name    string
	BanList []string
}

// Settings is the subset of system-wide settings the scaler reads each
// cache reload: the fair-share pool's guaranteed per-user allotment.
type Settings struct {
	FairSharePerUser resources.Resources
}

// Source pulls a fresh snapshot from the storage layer. The scaler
// treats this as an external collaborator (the HTTP API / DB layer),
// out of scope here beyond this contract.
type Source interface {
	Users(ctx context.Context) ([]string, error)
	Images(ctx context.Context) ([]types.Image, error)
	Pipelines(ctx context.Context) ([]Pipeline, error)
	Settings(ctx context.Context) (Settings, error)
}

type snapshot struct {
	users     map[string]struct{}
	images    map[string]types.Image
	pipelines map[string]Pipeline
	settings  Settings
	loadedAt  time.Time
}

// Cache is the scaler's read-mostly view of reference data. Reload
// replaces the entire snapshot atomically; GetImage and friends never
// block on a reload in progress beyond a brief RLock.
type Cache struct {
	mu   sync.RWMutex
	data *snapshot
	src  Source
}

func New(src Source) *Cache {
	return &Cache{src: src, data: &snapshot{
		users:     map[string]struct{}{},
		images:    map[string]types.Image{},
		pipelines: map[string]Pipeline{},
	}}
}

// Reload pulls a fresh snapshot from Source and swaps it in. Errors are
// transient: the stale snapshot keeps serving reads until the next
// attempt succeeds.
func (c *Cache) Reload(ctx context.Context) error {
	users, err := c.src.Users(ctx)
	if err != nil {
		return errs.Transient(err, "stage", "users")
	}
	images, err := c.src.Images(ctx)
	if err != nil {
		return errs.Transient(err, "stage", "images")
	}
	pipelines, err := c.src.Pipelines(ctx)
	if err != nil {
		return errs.Transient(err, "stage", "pipelines")
	}
	settings, err := c.src.Settings(ctx)
	if err != nil {
		return errs.Transient(err, "stage", "settings")
	}

	next := &snapshot{
		users:     make(map[string]struct{}, len(users)),
		images:    make(map[string]types.Image, len(images)),
		pipelines: make(map[string]Pipeline, len(pipelines)),
		settings:  settings,
		loadedAt:  time.Now(),
	}
	for _, u := range users {
		next.users[u] = struct{}{}
	}
	for _, img := range images {
		next.images[img.Key()] = img
	}
	for _, p := range pipelines {
		next.pipelines[p.Group+"/"+p.Name] = p
	}

	c.mu.Lock()
	c.data = next
	c.mu.Unlock()

	logging.FromContext(ctx).Sugar().Infow("cache reloaded",
		"users", len(next.users), "images", len(next.images), "pipelines", len(next.pipelines))
	return nil
}

// Run reloads on the given interval until ctx is cancelled, logging and
// continuing on transient failure rather than exiting the loop.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLifetime
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				logging.FromContext(ctx).Sugar().Warnw("cache reload failed, serving stale data", "error", err)
			}
		}
	}
}

// GetImage returns the image at (group, stage). Callers must treat a
// false return as "skip this deadline", never as a retryable error.
func (c *Cache) GetImage(group, stage string) (types.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.data.images[group+"/"+stage]
	return img, ok
}

// HasUser reports whether a user is currently known to the system.
func (c *Cache) HasUser(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data.users[user]
	return ok
}

// Users returns every user in the current snapshot, used to seed the
// fair-share rank map so a user with no running workers yet still gets
// a sweep.
func (c *Cache) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.data.users))
	for u := range c.data.users {
		out = append(out, u)
	}
	return out
}

// PipelineBanned reports whether the named pipeline currently carries a
// ban. An unknown pipeline is treated as banned: the ban filter must
// fail closed rather than schedule work for a pipeline the cache never
// loaded.
func (c *Cache) PipelineBanned(group, pipeline string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.data.pipelines[group+"/"+pipeline]
	if !ok {
		return true
	}
	return len(p.BanList) > 0
}

// LoadedAt reports when the current snapshot was pulled, for staleness
// metrics and health checks.
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.loadedAt
}

// UserCount returns how many users the current snapshot knows about,
// used to size the fair-share pool (a configured amount per user).
func (c *Cache) UserCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.data.users))
}

// FairSharePerUser returns the current snapshot's guaranteed per-user
// fair-share allotment.
func (c *Cache) FairSharePerUser() resources.Resources {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.settings.FairSharePerUser
}
