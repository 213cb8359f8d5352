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

package pool

import (
	"testing"

	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

func TestEnoughConsumeRelease(t *testing.T) {
	p := New("fairshare")
	p.Resize(resources.Resources{CPU: 2000, Memory: 2048})

	img := types.Image{Resources: resources.Resources{CPU: 1000, Memory: 1024}}
	if !p.Enough(img) {
		t.Fatalf("expected pool to have room for one instance")
	}
	p.Consume(img)
	if p.Available.CPU != 1000 || p.Available.Memory != 1024 {
		t.Fatalf("expected consume to subtract one instance, got %+v", p.Available)
	}
	p.Consume(img)
	if p.Enough(img) {
		t.Fatalf("expected pool to be exhausted after consuming twice")
	}

	p.Release(resources.Resources{CPU: 1000, Memory: 1024})
	if !p.Enough(img) {
		t.Fatalf("expected release to restore room")
	}
}

func TestResizeOverwritesAvailable(t *testing.T) {
	p := New("deadline")
	p.Resize(resources.Resources{CPU: 1000})
	p.Resize(resources.Resources{CPU: 5000, Memory: 8192})
	if p.Available.CPU != 5000 || p.Available.Memory != 8192 {
		t.Fatalf("expected resize to overwrite available outright, got %+v", p.Available)
	}
}
