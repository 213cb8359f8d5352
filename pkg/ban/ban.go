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

// Package ban applies image and pipeline ban rules to candidate
// deadlines before the allocator ever sees them.
package ban

import "github.com/mjcarson/thorium-scaler/pkg/types"

// ImageLookup resolves a deadline's (group, stage) pair to its image,
// the same contract pkg/cache's snapshot satisfies.
type ImageLookup interface {
	GetImage(group, stage string) (types.Image, bool)
}

// PipelineLookup reports whether a pipeline currently carries a ban.
type PipelineLookup interface {
	PipelineBanned(group, pipeline string) bool
}

// Filter decides, for a single tick's cache snapshot, which deadlines
// are safe to schedule.
type Filter struct {
	Images    ImageLookup
	Pipelines PipelineLookup
}

// New builds a ban Filter over the given lookups.
func New(images ImageLookup, pipelines PipelineLookup) *Filter {
	return &Filter{Images: images, Pipelines: pipelines}
}

// Allowed reports true iff the deadline's image exists, the image's own
// ban list is empty, and its pipeline's ban list is empty. Any other
// outcome means the deadline must be skipped this tick, not retried
// within the same pass.
func (f *Filter) Allowed(d types.Deadline) (types.Image, bool) {
	image, ok := f.Images.GetImage(d.Group, d.Stage)
	if !ok {
		return types.Image{}, false
	}
	if !image.Spawnable() {
		return types.Image{}, false
	}
	if f.Pipelines.PipelineBanned(d.Group, d.Pipeline) {
		return types.Image{}, false
	}
	return image, true
}
