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

// Package resources implements the scaler's resource primitive: a
// copy-cheap value type tracking cpu, memory, storage, worker slots, and
// GPUs with saturating arithmetic.
package resources

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Resources is a snapshot of the capacity (or consumption) of a node,
// cluster, pool, or image. All fields are non-negative; arithmetic
// saturates at zero rather than going negative or overflowing. This type
// is plain old data on purpose: it is copied by value through the hottest
// loops in the allocator (pkg/packing, pkg/scheduler) and must stay cheap.
type Resources struct {
	// CPU is in millicores, matching Kubernetes' convention.
	CPU int64
	// Memory is in mebibytes.
	Memory int64
	// EphemeralStorage is in mebibytes.
	EphemeralStorage int64
	// WorkerSlots is the number of concurrent workers this much capacity can host.
	WorkerSlots int64
	NvidiaGPU   int64
	AMDGPU      int64
}

// Some reports whether this represents any usable capacity at all.
func (r Resources) Some() bool {
	return r.CPU > 0 && r.Memory > 0
}

// Enough reports whether r has at least as much of every dimension as
// other. Storage and both GPU counts participate; ordering heuristics
// elsewhere only look at CPU+Memory. WorkerSlots is not compared.
func (r Resources) Enough(other Resources) bool {
	return r.CPU >= other.CPU &&
		r.Memory >= other.Memory &&
		r.EphemeralStorage >= other.EphemeralStorage &&
		r.NvidiaGPU >= other.NvidiaGPU &&
		r.AMDGPU >= other.AMDGPU
}

// CPUMemCompare orders two Resources using only cpu+memory, the ordering
// heuristic the node/cluster bin-packers use to bucket by "heaviest
// available first". Returns a value like bytes.Compare: negative if r
// sorts before other, positive if after, zero if tied.
func (r Resources) CPUMemCompare(other Resources) int {
	switch {
	case r.CPU != other.CPU:
		return int(r.CPU - other.CPU)
	case r.Memory != other.Memory:
		return int(r.Memory - other.Memory)
	default:
		return 0
	}
}

func saturatingSub(a, b int64) int64 {
	v := a - b
	if v < 0 {
		return 0
	}
	return v
}

func saturatingAdd(a, b int64) int64 {
	v := a + b
	if v < a {
		// overflow; saturate at max rather than wrap
		return 1<<63 - 1
	}
	return v
}

// Consume subtracts other's resources, scaled by count, from r in place,
// saturating each field at zero. WorkerSlots is always decremented by
// count regardless of other's own WorkerSlots value, matching a single
// worker consuming exactly one slot per unit consumed.
func (r *Resources) Consume(other Resources, count int64) {
	r.CPU = saturatingSub(r.CPU, other.CPU*count)
	r.Memory = saturatingSub(r.Memory, other.Memory*count)
	r.EphemeralStorage = saturatingSub(r.EphemeralStorage, other.EphemeralStorage*count)
	r.NvidiaGPU = saturatingSub(r.NvidiaGPU, other.NvidiaGPU*count)
	r.AMDGPU = saturatingSub(r.AMDGPU, other.AMDGPU*count)
	r.WorkerSlots = saturatingSub(r.WorkerSlots, count)
}

// Add returns the saturating sum of r and other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:              saturatingAdd(r.CPU, other.CPU),
		Memory:           saturatingAdd(r.Memory, other.Memory),
		EphemeralStorage: saturatingAdd(r.EphemeralStorage, other.EphemeralStorage),
		WorkerSlots:      saturatingAdd(r.WorkerSlots, other.WorkerSlots),
		NvidiaGPU:        saturatingAdd(r.NvidiaGPU, other.NvidiaGPU),
		AMDGPU:           saturatingAdd(r.AMDGPU, other.AMDGPU),
	}
}

func saturatingMul(a, n int64) int64 {
	if a <= 0 || n <= 0 {
		return 0
	}
	v := a * n
	if v/a != n {
		return 1<<63 - 1
	}
	return v
}

// Mul returns r scaled by n, saturating as Add does. Used to size the
// fair-share pool from a configured per-user allotment times the
// current user count.
func (r Resources) Mul(n int64) Resources {
	return Resources{
		CPU:              saturatingMul(r.CPU, n),
		Memory:           saturatingMul(r.Memory, n),
		EphemeralStorage: saturatingMul(r.EphemeralStorage, n),
		WorkerSlots:      saturatingMul(r.WorkerSlots, n),
		NvidiaGPU:        saturatingMul(r.NvidiaGPU, n),
		AMDGPU:           saturatingMul(r.AMDGPU, n),
	}
}

// Sub returns the saturating difference of r and other.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPU:              saturatingSub(r.CPU, other.CPU),
		Memory:           saturatingSub(r.Memory, other.Memory),
		EphemeralStorage: saturatingSub(r.EphemeralStorage, other.EphemeralStorage),
		WorkerSlots:      saturatingSub(r.WorkerSlots, other.WorkerSlots),
		NvidiaGPU:        saturatingSub(r.NvidiaGPU, other.NvidiaGPU),
		AMDGPU:           saturatingSub(r.AMDGPU, other.AMDGPU),
	}
}

// String renders a concise human form, e.g. "cpu=2000m mem=4096Mi".
func (r Resources) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cpu=%dm mem=%dMi", r.CPU, r.Memory)
	if r.EphemeralStorage > 0 {
		fmt.Fprintf(&b, " storage=%dMi", r.EphemeralStorage)
	}
	if r.NvidiaGPU > 0 {
		fmt.Fprintf(&b, " nvidia=%d", r.NvidiaGPU)
	}
	if r.AMDGPU > 0 {
		fmt.Fprintf(&b, " amd=%d", r.AMDGPU)
	}
	if r.WorkerSlots > 0 {
		fmt.Fprintf(&b, " slots=%d", r.WorkerSlots)
	}
	return b.String()
}

// Parse reads a human quantity string ("2Gi", "2500m", "2.5 cores"/"2.5")
// using the Kubernetes resource.Quantity grammar and returns its value in
// thousandths of its unit: millicores for a cpu value, while a non-cpu
// quantity such as "2Gi" also comes back multiplied by 1000. "cores" and
// bare decimals are treated as whole CPUs and converted to millicores.
func Parse(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimSuffix(trimmed, " cores")
	trimmed = strings.TrimSuffix(trimmed, "cores")
	trimmed = strings.TrimSpace(trimmed)
	q, err := resource.ParseQuantity(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parsing resource quantity %q: %w", value, err)
	}
	return q.MilliValue(), nil
}

// ParseMebibytes reads a human quantity string and returns whole mebibytes,
// used for memory and ephemeral storage fields.
func ParseMebibytes(value string) (int64, error) {
	q, err := resource.ParseQuantity(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parsing resource quantity %q: %w", value, err)
	}
	return q.Value() / (1024 * 1024), nil
}
