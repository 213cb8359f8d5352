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

import "github.com/mjcarson/thorium-scaler/pkg/types"

// RenderArgs turns a requisition's identity into the command-line
// arguments a worker binary is launched with, shaped by the image's
// configured ArgStrategy. Every adapter that execs a worker directly
// (bare-metal, Windows, KVM's guest-side agent, K8s' container args)
// shares this so the three strategies mean the same thing everywhere.
func RenderArgs(strategy types.ArgStrategy, req types.Requisition) []string {
	switch strategy {
	case types.ArgPositional:
		return []string{req.Group, req.Pipeline, req.Stage, req.User}
	case types.ArgKwarg:
		return []string{
			"group=" + req.Group,
			"pipeline=" + req.Pipeline,
			"stage=" + req.Stage,
			"user=" + req.User,
		}
	default: // types.ArgAppend, and the zero value
		return []string{
			"--group", req.Group,
			"--pipeline", req.Pipeline,
			"--stage", req.Stage,
			"--user", req.User,
		}
	}
}
