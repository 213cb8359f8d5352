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

// Package types holds the data model shared by the cache, pool, packing,
// and scheduler packages: images, requisitions, deadlines, and spawned
// workers.
package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/mjcarson/thorium-scaler/pkg/resources"
)

// PoolKind distinguishes which of the two resource pools a worker or
// spawn was drawn from.
type PoolKind string

const (
	FairShare PoolKind = "fairshare"
	Deadline  PoolKind = "deadline"
)

// SpawnLimit caps how many live workers an image may have at once.
// The zero value is a limit of 0 live workers, not Unlimited; an Image
// literal without a cap sets Unlimited explicitly.
type SpawnLimit struct {
	Unlimited bool
	Basic     uint64
}

// ArgStrategy controls how a job's arguments are passed to the worker.
type ArgStrategy string

const (
	ArgPositional ArgStrategy = "positional"
	ArgAppend     ArgStrategy = "append"
	ArgKwarg      ArgStrategy = "kwarg"
)

// Dependency describes one of an image's dependency kinds (sample,
// ephemeral, result, repo, tag, children).
type Dependency struct {
	Enabled      bool
	Path         string
	Kwarg        string
	Strategy     ArgStrategy
	NameAllow    []string
	ImageAllow   []string
}

// ChildFilter restricts which children of a job an image will accept,
// by MIME type, file name, or extension, with a catch-all toggle for
// submitting anything that matches none of the patterns.
type ChildFilter struct {
	MimeRegex        []string
	FileNameRegex    []string
	ExtensionRegex   []string
	SubmitNonMatches bool
}

// KVMDisk describes the boot disk and libvirt domain template an image
// uses when its scaler backend is KVM.
type KVMDisk struct {
	QCOW2Path string
	XMLPath   string
}

// Image is the immutable-per-tick description of a workload the scaler
// can spawn. Two images are identified by (Group, Name); Version and the
// rest of the fields describe exactly what gets spawned and how.
type Image struct {
	Group           string
	Name            string
	Version         string
	Backend         string
	Image           string
	Resources       resources.Resources
	SpawnLimit      SpawnLimit
	LifetimeJobs    uint64
	LifetimeSeconds uint64
	Timeout         time.Duration
	Volumes         []string
	Env             map[string]string
	ArgStrategy     ArgStrategy
	Dependencies    map[string]Dependency
	ChildFilters    ChildFilter
	CleanupHook     string
	KVM             *KVMDisk
	SecurityContext map[string]string
	NetworkPolicies []string
	BanList         []string
}

// Key returns the (group, name) identity used to look an image up in
// the cache.
func (i Image) Key() string {
	return i.Group + "/" + i.Name
}

// Spawnable reports whether this image currently has no active ban.
func (i Image) Spawnable() bool {
	return len(i.BanList) == 0
}

// Runtime is how far in the future a worker spawned for this image is
// expected to finish, used to synthesize a deadline-ordering key for
// fair-share spawns that don't come from the deadline stream.
func (i Image) Runtime() time.Duration {
	if i.Timeout > 0 {
		return i.Timeout
	}
	return 10 * time.Minute
}

// Requisition identifies "a kind of worker I am running": one user's
// work on one pipeline stage within one group.
type Requisition struct {
	User     string
	Group    string
	Pipeline string
	Stage    string
}

// String renders a requisition for logs and metric labels.
func (r Requisition) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.User, r.Group, r.Pipeline, r.Stage)
}

// Hash returns a stable structural hash of r, used wherever a
// requisition needs to become part of an external identifier (a spawn
// name, a metrics label) without leaking its full tuple or depending on
// field order. Requisitions double as both hash keys and sort keys, so
// this never incorporates a floating-point field and stays stable
// across runs.
func (r Requisition) Hash() uint64 {
	h, err := hashstructure.Hash(r, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// SameWork reports whether r and other are the exact same (user, group,
// pipeline, stage) tuple. Preemption excludes a candidate victim when
// this is true for the requisition requesting the deadline, so a worker
// is never sacrificed to satisfy a deadline for its own self-same work.
func (r Requisition) SameWork(other Requisition) bool {
	return r.User == other.User && r.Group == other.Group &&
		r.Pipeline == other.Pipeline && r.Stage == other.Stage
}

// Deadline is one unit of outstanding, deadline-ordered work pulled from
// the storage layer's bucketed job table.
type Deadline struct {
	Timestamp  time.Time
	Group      string
	Pipeline   string
	Stage      string
	User       string
	ScalerTag  string
	JobID      string
}

// Requisition projects the requester identity out of a deadline.
func (d Deadline) Requisition() Requisition {
	return Requisition{User: d.User, Group: d.Group, Pipeline: d.Pipeline, Stage: d.Stage}
}

// Spawned is one worker the allocator has placed, pending or already
// committed, on a specific cluster node.
type Spawned struct {
	Name          string
	Cluster       string
	Node          string
	Requisition   Requisition
	Resources     resources.Resources
	Pool          PoolKind
	Deadline      time.Time
	CreatedAt     time.Time
	ScaledDown    bool
	DownScalable  time.Time
}
