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

package ban

import (
	"testing"

	"github.com/mjcarson/thorium-scaler/pkg/types"
)

type fakeImages struct{ images map[string]types.Image }

func (f *fakeImages) GetImage(group, stage string) (types.Image, bool) {
	img, ok := f.images[group+"/"+stage]
	return img, ok
}

type fakePipelines struct{ banned map[string]bool }

func (f *fakePipelines) PipelineBanned(group, pipeline string) bool {
	return f.banned[group+"/"+pipeline]
}

func TestAllowedRequiresImagePresent(t *testing.T) {
	f := New(&fakeImages{images: map[string]types.Image{}}, &fakePipelines{})
	d := types.Deadline{Group: "g", Stage: "missing", Pipeline: "p"}
	if _, ok := f.Allowed(d); ok {
		t.Fatalf("expected a deadline with no matching image to be disallowed")
	}
}

func TestAllowedRejectsBannedImage(t *testing.T) {
	img := types.Image{Group: "g", Name: "s1", BanList: []string{"invalid url"}}
	f := New(&fakeImages{images: map[string]types.Image{"g/s1": img}}, &fakePipelines{})
	d := types.Deadline{Group: "g", Stage: "s1", Pipeline: "p"}
	if _, ok := f.Allowed(d); ok {
		t.Fatalf("expected a banned image to be disallowed")
	}
}

func TestAllowedRejectsBannedPipeline(t *testing.T) {
	img := types.Image{Group: "g", Name: "s1"}
	f := New(&fakeImages{images: map[string]types.Image{"g/s1": img}}, &fakePipelines{banned: map[string]bool{"g/p1": true}})
	d := types.Deadline{Group: "g", Stage: "s1", Pipeline: "p1"}
	if _, ok := f.Allowed(d); ok {
		t.Fatalf("expected a banned pipeline to be disallowed")
	}
}

func TestAllowedPassesClean(t *testing.T) {
	img := types.Image{Group: "g", Name: "s1"}
	f := New(&fakeImages{images: map[string]types.Image{"g/s1": img}}, &fakePipelines{})
	d := types.Deadline{Group: "g", Stage: "s1", Pipeline: "p1"}
	got, ok := f.Allowed(d)
	if !ok {
		t.Fatalf("expected a clean deadline to be allowed")
	}
	if got.Key() != img.Key() {
		t.Fatalf("expected the resolved image returned")
	}
}
