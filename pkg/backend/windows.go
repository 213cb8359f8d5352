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
	"strconv"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	"golang.org/x/sync/errgroup"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// Windows backs hosts reached over WinRM: a worker is a detached
// process started with PowerShell's Start-Process and tracked by name.
type Windows struct {
	policy   config.BackendPolicy
	clusters map[string]config.WindowsCluster
	dwell    *dwellTracker
}

// NewWindows returns an adapter over the configured WinRM-managed
// clusters.
func NewWindows(policy config.BackendPolicy, clusters map[string]config.WindowsCluster) *Windows {
	return &Windows{policy: policy, clusters: clusters, dwell: newDwellTracker()}
}

func (w *Windows) Kind() string { return "windows" }

func (w *Windows) client(cc config.WindowsCluster, host string) (*winrm.Client, error) {
	port := 5985
	if cc.UseHTTPS {
		port = 5986
	}
	endpoint := winrm.NewEndpoint(host, port, cc.UseHTTPS, true, nil, nil, nil, 30*time.Second)
	return winrm.NewClient(endpoint, cc.Username, cc.Password)
}

// ListNodes runs a PowerShell process query on every configured host.
func (w *Windows) ListNodes(ctx context.Context) ([]LiveNode, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(32)
	foundCh := make(chan LiveNode, 256)
	for name, cc := range w.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				client, err := w.client(cc, host)
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				started := time.Now()
				var stdout, stderr strings.Builder
				_, err = client.Run(`powershell -Command "Get-Process thorium-worker* | Select-Object -ExpandProperty Name"`, &stdout, &stderr)
				metrics.BackendCallDuration.WithLabelValues("windows", "list_nodes").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
					if line = strings.TrimSpace(line); line != "" {
						foundCh <- LiveNode{Cluster: name, Node: host, Name: line}
					}
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
	for n := range foundCh {
		out = append(out, n)
	}
	return out, nil
}

// NodeCapacity queries WMI for logical processor count and total
// visible memory on every configured host.
func (w *Windows) NodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(32)
	foundCh := make(chan NodeCapacity, 256)
	for name, cc := range w.clusters {
		name, cc := name, cc
		for _, host := range cc.Nodes {
			host := host
			g.Go(func() error {
				client, err := w.client(cc, host)
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				started := time.Now()
				var stdout, stderr strings.Builder
				_, err = client.Run(`powershell -Command "(Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors; (Get-CimInstance Win32_ComputerSystem).TotalPhysicalMemory"`, &stdout, &stderr)
				metrics.BackendCallDuration.WithLabelValues("windows", "node_capacity").Observe(time.Since(started).Seconds())
				if err != nil {
					return errs.Transient(err, "cluster", name, "host", host)
				}
				total, err := parseCimCapacity(stdout.String())
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

func parseCimCapacity(out string) (resources.Resources, error) {
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) < 2 {
		return resources.Resources{}, fmt.Errorf("unexpected capacity output %q", out)
	}
	cpus, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return resources.Resources{}, fmt.Errorf("parsing logical processor count: %w", err)
	}
	bytes, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return resources.Resources{}, fmt.Errorf("parsing total physical memory: %w", err)
	}
	return resources.Resources{CPU: cpus * 1000, Memory: bytes / (1024 * 1024)}, nil
}

// psEscape wraps s in single quotes for interpolation into a PowerShell
// literal, doubling any single quote it contains per PowerShell's own
// escaping rule.
func psEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// windowsStartCommand renders the PowerShell Start-Process invocation
// that launches image as a detached, named process: image.Env is set in
// the current session before Start-Process runs so the child inherits
// it, and the requisition's identity is passed per image.ArgStrategy.
func windowsStartCommand(image types.Image, name string, req types.Requisition) string {
	var b strings.Builder
	keys := make([]string, 0, len(image.Env))
	for k := range image.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "$env:%s=%s; ", k, psEscape(image.Env[k]))
	}
	args := append([]string{"--name", name}, RenderArgs(image.ArgStrategy, req)...)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = psEscape(a)
	}
	fmt.Fprintf(&b, `Start-Process -FilePath %s -ArgumentList %s -WindowStyle Hidden`,
		psEscape(image.Image), strings.Join(quoted, ","))
	return fmt.Sprintf(`powershell -Command "%s"`, strings.ReplaceAll(b.String(), `"`, `\"`))
}

// Spawn starts image as a detached Windows process on node, identifying
// the requisition per image.ArgStrategy.
func (w *Windows) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	cc, ok := w.clusters[cluster]
	if !ok {
		return nil, errs.NotFound(nil, "cluster", cluster)
	}
	client, err := w.client(cc, node)
	if err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node)
	}
	cmd := windowsStartCommand(image, name, req)
	started := time.Now()
	var stdout, stderr strings.Builder
	_, err = client.Run(cmd, &stdout, &stderr)
	metrics.BackendCallDuration.WithLabelValues("windows", "spawn").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node, "stderr", stderr.String())
	}
	w.dwell.Arm(cluster, time.Duration(w.policy.DwellSeconds)*time.Second)
	return &types.Spawned{
		Name: name, Cluster: cluster, Node: node,
		Requisition: req, Resources: image.Resources,
		CreatedAt: time.Now(),
	}, nil
}

// Terminate stops the named worker process.
func (w *Windows) Terminate(ctx context.Context, cluster, node, name string) error {
	cc, ok := w.clusters[cluster]
	if !ok {
		return errs.NotFound(nil, "cluster", cluster)
	}
	client, err := w.client(cc, node)
	if err != nil {
		return errs.Transient(err, "cluster", cluster, "node", node)
	}
	started := time.Now()
	var stdout, stderr strings.Builder
	_, err = client.Run(fmt.Sprintf(`powershell -Command "Stop-Process -Name '%s' -Force"`, name), &stdout, &stderr)
	metrics.BackendCallDuration.WithLabelValues("windows", "terminate").Observe(time.Since(started).Seconds())
	if err != nil {
		return errs.Transient(err, "cluster", cluster, "name", name)
	}
	return nil
}

func (w *Windows) MaxSway(cluster string) float64 {
	if cc, ok := w.clusters[cluster]; ok {
		return cc.MaxSway
	}
	return 0
}

func (w *Windows) Dwell(cluster string) bool {
	return w.dwell.Dwelling(cluster)
}
