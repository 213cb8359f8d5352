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
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"libvirt.org/go/libvirt"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// KVM backs libvirt hypervisor hosts: a worker is a domain cloned from
// an image's KVMDisk template and booted with the job's environment
// written into the domain's libvirt <metadata> block (see guestMetadata).
type KVM struct {
	policy   config.BackendPolicy
	clusters map[string]config.KVMCluster

	mu    sync.Mutex
	conns map[string]*libvirt.Connect

	dwell *dwellTracker
}

// NewKVM returns an adapter over the configured libvirt hosts. Each
// host is dialed lazily on first use and the connection cached.
func NewKVM(policy config.BackendPolicy, clusters map[string]config.KVMCluster) *KVM {
	return &KVM{
		policy: policy, clusters: clusters,
		conns: map[string]*libvirt.Connect{},
		dwell: newDwellTracker(),
	}
}

func (k *KVM) Kind() string { return "kvm" }

func (k *KVM) connect(host string) (*libvirt.Connect, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if conn, ok := k.conns[host]; ok {
		if alive, _ := conn.IsAlive(); alive {
			return conn, nil
		}
		delete(k.conns, host)
	}
	conn, err := libvirt.NewConnect(fmt.Sprintf("qemu+ssh://%s/system", host))
	if err != nil {
		return nil, fmt.Errorf("dial libvirt host %s: %w", host, err)
	}
	k.conns[host] = conn
	return conn, nil
}

// ListNodes enumerates every running domain thorium manages, across
// every configured hypervisor host.
func (k *KVM) ListNodes(ctx context.Context) ([]LiveNode, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	resultsCh := make(chan []LiveNode, 64)
	for name, cc := range k.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				started := time.Now()
				conn, err := k.connect(host)
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				domains, err := conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
				metrics.BackendCallDuration.WithLabelValues("kvm", "list_nodes").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				live := make([]LiveNode, 0, len(domains))
				for _, d := range domains {
					dname, _ := d.GetName()
					if len(dname) >= len("thorium-") && dname[:len("thorium-")] == "thorium-" {
						live = append(live, LiveNode{Cluster: name, Node: host, Name: dname})
					}
					d.Free()
				}
				resultsCh <- live
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	var out []LiveNode
	for r := range resultsCh {
		out = append(out, r...)
	}
	return out, nil
}

// NodeCapacity reads each hypervisor host's total cpu/memory straight
// from libvirt's node info rather than any configured value.
func (k *KVM) NodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	resultsCh := make(chan NodeCapacity, 64)
	for name, cc := range k.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				started := time.Now()
				conn, err := k.connect(host)
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				info, err := conn.GetNodeInfo()
				metrics.BackendCallDuration.WithLabelValues("kvm", "node_capacity").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				cpus := int64(info.Nodes) * int64(info.Sockets) * int64(info.Cores) * int64(info.Threads)
				resultsCh <- NodeCapacity{
					Cluster: name,
					Node:    host,
					Total:   resources.Resources{CPU: cpus * 1000, Memory: int64(info.Memory) / 1024},
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	var out []NodeCapacity
	for r := range resultsCh {
		out = append(out, r)
	}
	return out, nil
}

// Spawn clones image's disk template and defines+starts a new domain on
// node from XML built by domainXML; image.KVM.XMLPath is not read.
func (k *KVM) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	if image.KVM == nil {
		return nil, errs.InvalidConfig(fmt.Errorf("image %s has no kvm disk template", image.Key()))
	}
	conn, err := k.connect(node)
	if err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node)
	}
	xml := domainXML(name, image, req)
	started := time.Now()
	dom, err := conn.DomainDefineXML(xml)
	if err == nil {
		err = dom.Create()
	}
	metrics.BackendCallDuration.WithLabelValues("kvm", "spawn").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node)
	}
	if dom != nil {
		dom.Free()
	}
	k.dwell.Arm(cluster, time.Duration(k.policy.DwellSeconds)*time.Second)
	return &types.Spawned{
		Name: name, Cluster: cluster, Node: node,
		Requisition: req, Resources: image.Resources,
		CreatedAt: time.Now(),
	}, nil
}

// Terminate destroys and undefines the domain.
func (k *KVM) Terminate(ctx context.Context, cluster, node, name string) error {
	conn, err := k.connect(node)
	if err != nil {
		return errs.Transient(err, "cluster", cluster, "node", node)
	}
	started := time.Now()
	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		metrics.BackendCallDuration.WithLabelValues("kvm", "terminate").Observe(time.Since(started).Seconds())
		return nil // already gone
	}
	defer dom.Free()
	_ = dom.Destroy()
	err = dom.Undefine()
	metrics.BackendCallDuration.WithLabelValues("kvm", "terminate").Observe(time.Since(started).Seconds())
	if err != nil {
		return errs.Transient(err, "cluster", cluster, "name", name)
	}
	return nil
}

func (k *KVM) MaxSway(cluster string) float64 {
	if cc, ok := k.clusters[cluster]; ok {
		return cc.MaxSway
	}
	return 0
}

func (k *KVM) Dwell(cluster string) bool {
	return k.dwell.Dwelling(cluster)
}

var xmlEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;", `'`, "&apos;")

// guestMetadata renders the <thorium:worker> block a guest-side agent
// reads at boot to learn its environment and requisition identity,
// since a KVM domain has no process env or argv of its own to set.
func guestMetadata(image types.Image, req types.Requisition) string {
	var b strings.Builder
	b.WriteString(`  <metadata>
    <thorium:worker xmlns:thorium="https://thorium.example/schemas/worker">
`)
	keys := make([]string, 0, len(image.Env))
	for k := range image.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "      <thorium:var name=%q value=%q/>\n", xmlEscaper.Replace(k), xmlEscaper.Replace(image.Env[k]))
	}
	args := strings.Join(RenderArgs(image.ArgStrategy, req), " ")
	fmt.Fprintf(&b, "      <thorium:args>%s</thorium:args>\n", xmlEscaper.Replace(args))
	b.WriteString(`    </thorium:worker>
  </metadata>
`)
	return b.String()
}

func domainXML(name string, image types.Image, req types.Requisition) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <memory unit='KiB'>%d</memory>
  <vcpu>%d</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
%s  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
  </devices>
</domain>`, name, image.Resources.Memory*1024, maxInt(1, int(image.Resources.CPU/1000)), guestMetadata(image, req), image.KVM.QCOW2Path)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
