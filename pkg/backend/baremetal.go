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
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/errgroup"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// BareMetal backs hosts managed directly over SSH: a worker is a
// process started and tracked on the remote host itself, with no
// orchestrator in between.
type BareMetal struct {
	policy   config.BackendPolicy
	clusters map[string]config.BareMetalCluster
	dwell    *dwellTracker
}

// NewBareMetal returns an adapter over the configured SSH-managed
// clusters. Authentication always goes through an SSH agent reached at
// cc.SSHAuthSock (or $SSH_AUTH_SOCK), never an inline key; AgentPath
// names the worker binary itself and is unrelated to SSH auth.
func NewBareMetal(policy config.BackendPolicy, clusters map[string]config.BareMetalCluster) *BareMetal {
	return &BareMetal{policy: policy, clusters: clusters, dwell: newDwellTracker()}
}

func (b *BareMetal) Kind() string { return "bare_metal" }

func (b *BareMetal) dial(cc config.BareMetalCluster, host string) (*ssh.Client, error) {
	sock := cc.SSHAuthSock
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh agent %s: %w", sock, err)
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		return nil, fmt.Errorf("load agent signers: %w", err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cc.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	return ssh.Dial("tcp", net.JoinHostPort(host, "22"), clientCfg)
}

func (b *BareMetal) run(cc config.BareMetalCluster, host, cmd string) (string, error) {
	client, err := b.dial(cc, host)
	if err != nil {
		return "", err
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

// ListNodes shells into every host and greps the worker process table,
// fanning out across clusters and hosts with a bound on concurrent SSH
// sessions.
func (b *BareMetal) ListNodes(ctx context.Context) ([]LiveNode, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(32)
	type found struct {
		node LiveNode
	}
	foundCh := make(chan found, 256)
	for name, cc := range b.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				started := time.Now()
				out, err := b.run(cc, host, "pgrep -a thorium-worker || true")
				metrics.BackendCallDuration.WithLabelValues("bare_metal", "list_nodes").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
					if line == "" {
						continue
					}
					fields := strings.Fields(line)
					if len(fields) < 2 {
						continue
					}
					foundCh <- found{node: LiveNode{Cluster: name, Node: host, Name: fields[len(fields)-1]}}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(foundCh)
	var out []LiveNode
	for f := range foundCh {
		out = append(out, f.node)
	}
	return out, nil
}

// NodeCapacity shells `nproc` and `free -b` on every configured host to
// learn its total cpu/memory. Hosts that don't answer are reported as a
// transient error; the reconciler leaves their last-known total in
// place rather than zeroing a node out from one bad SSH round-trip.
func (b *BareMetal) NodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(32)
	foundCh := make(chan NodeCapacity, 256)
	for name, cc := range b.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				started := time.Now()
				out, err := b.run(cc, host, "nproc; free -b | awk '/^Mem:/{print $2}'")
				metrics.BackendCallDuration.WithLabelValues("bare_metal", "node_capacity").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				total, err := parseNprocFree(out)
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				foundCh <- NodeCapacity{Cluster: name, Node: host, Total: total}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(foundCh)
	var out []NodeCapacity
	for n := range foundCh {
		out = append(out, n)
	}
	return out, nil
}

// parseNprocFree parses the two-line "nproc\nfree bytes" output into
// millicores and mebibytes.
func parseNprocFree(out string) (resources.Resources, error) {
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) < 2 {
		return resources.Resources{}, fmt.Errorf("unexpected capacity output %q", out)
	}
	cpus, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return resources.Resources{}, fmt.Errorf("parsing nproc: %w", err)
	}
	bytes, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return resources.Resources{}, fmt.Errorf("parsing free output: %w", err)
	}
	return resources.Resources{CPU: cpus * 1000, Memory: bytes / (1024 * 1024)}, nil
}

// shellQuote wraps s in single quotes for use in a remote shell command,
// escaping any single quote it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// spawnCommand renders the detached remote command that launches the
// worker agent binary at agentPath (the cluster's cc.AgentPath), exporting the
// image's environment and passing its identity per image.ArgStrategy.
func spawnCommand(agentPath, name string, image types.Image, req types.Requisition) string {
	var b strings.Builder
	keys := make([]string, 0, len(image.Env))
	for k := range image.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, shellQuote(image.Env[k]))
	}
	b.WriteString("setsid -f ")
	b.WriteString(shellQuote(agentPath))
	fmt.Fprintf(&b, " --name %s --image %s", shellQuote(name), shellQuote(image.Image))
	for _, arg := range RenderArgs(image.ArgStrategy, req) {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

// Spawn launches image's agent binary as a detached remote process on
// node, identifying the requisition per image.ArgStrategy.
func (b *BareMetal) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	cc, ok := b.clusters[cluster]
	if !ok {
		return nil, errs.NotFound(nil, "cluster", cluster)
	}
	cmd := spawnCommand(cc.AgentPath, name, image, req)
	started := time.Now()
	_, err := b.run(cc, node, cmd)
	metrics.BackendCallDuration.WithLabelValues("bare_metal", "spawn").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node)
	}
	b.dwell.Arm(cluster, time.Duration(b.policy.DwellSeconds)*time.Second)
	return &types.Spawned{
		Name: name, Cluster: cluster, Node: node,
		Requisition: req, Resources: image.Resources,
		CreatedAt: time.Now(),
	}, nil
}

// Terminate kills the named remote process by pattern match.
func (b *BareMetal) Terminate(ctx context.Context, cluster, node, name string) error {
	cc, ok := b.clusters[cluster]
	if !ok {
		return errs.NotFound(nil, "cluster", cluster)
	}
	started := time.Now()
	_, err := b.run(cc, node, fmt.Sprintf("pkill -f %s || true", name))
	metrics.BackendCallDuration.WithLabelValues("bare_metal", "terminate").Observe(time.Since(started).Seconds())
	if err != nil {
		return errs.Transient(err, "cluster", cluster, "node", node)
	}
	return nil
}

func (b *BareMetal) MaxSway(cluster string) float64 {
	if cc, ok := b.clusters[cluster]; ok {
		return cc.MaxSway
	}
	return 0
}

func (b *BareMetal) Dwell(cluster string) bool {
	return b.dwell.Dwelling(cluster)
}
