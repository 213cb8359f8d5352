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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// externalContext is one third-party scheduler's endpoint plus its
// dwell/sway policy.
type externalContext struct {
	name    string
	baseURL string
	token   string
	cfg     config.ExternalCluster
}

// External backs clusters fronted by a third party's own HTTP API. The
// scaler never assumes anything about how that API runs work; it only
// calls four endpoints under the cluster's base_url (/nodes, /capacity,
// /spawn, /terminate).
type External struct {
	policy   config.BackendPolicy
	clusters map[string]*externalContext
	client   *http.Client
	dwell    *dwellTracker
}

// NewExternal builds an adapter over every configured external cluster.
func NewExternal(policy config.BackendPolicy, clusters map[string]config.ExternalCluster) *External {
	e := &External{
		policy:   policy,
		clusters: map[string]*externalContext{},
		client:   &http.Client{Timeout: 30 * time.Second},
		dwell:    newDwellTracker(),
	}
	for name, cc := range clusters {
		e.clusters[name] = &externalContext{name: name, baseURL: cc.BaseURL, token: cc.Token, cfg: cc}
	}
	return e
}

func (e *External) Kind() string { return "external" }

type externalLiveNode struct {
	Node   string `json:"node"`
	Name   string `json:"name"`
	Failed bool   `json:"failed"`
}

// ListNodes calls GET {base_url}/nodes on every configured cluster.
func (e *External) ListNodes(ctx context.Context) ([]LiveNode, error) {
	var out []LiveNode
	for name, ec := range e.clusters {
		var body []externalLiveNode
		if err := e.call(ctx, ec, "list_nodes", http.MethodGet, "/nodes", nil, &body); err != nil {
			return nil, errs.Transient(err, "cluster", name)
		}
		for _, n := range body {
			out = append(out, LiveNode{Cluster: name, Node: n.Node, Name: n.Name, Failed: n.Failed})
		}
	}
	return out, nil
}

type externalNodeCapacity struct {
	Node  string `json:"node"`
	CPU   int64  `json:"cpu_millicores"`
	MemMi int64  `json:"memory_mebibytes"`
}

// NodeCapacity calls GET {base_url}/capacity, the external API's report
// of each node's total cpu/memory.
func (e *External) NodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	var out []NodeCapacity
	for name, ec := range e.clusters {
		var body []externalNodeCapacity
		if err := e.call(ctx, ec, "node_capacity", http.MethodGet, "/capacity", nil, &body); err != nil {
			return nil, errs.Transient(err, "cluster", name)
		}
		for _, n := range body {
			out = append(out, NodeCapacity{
				Cluster: name,
				Node:    n.Node,
				Total:   resources.Resources{CPU: n.CPU, Memory: n.MemMi},
			})
		}
	}
	return out, nil
}

type externalSpawnRequest struct {
	Node     string            `json:"node"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	CPU      int64             `json:"cpu_millicores"`
	MemMi    int64             `json:"memory_mebibytes"`
	Env      map[string]string `json:"env"`
	Group    string            `json:"group"`
	Pipeline string            `json:"pipeline"`
	Stage    string            `json:"stage"`
	User     string            `json:"user"`
	// Args is req rendered per image.ArgStrategy, for third-party
	// schedulers that pass workers a plain argv instead of the
	// structured fields above.
	Args []string `json:"args"`
}

// Spawn posts a spawn request carrying the scaler-chosen worker name to
// the cluster's endpoint. The response body is not read; the returned
// Spawned carries the name that was sent.
func (e *External) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	ec, ok := e.clusters[cluster]
	if !ok {
		return nil, errs.NotFound(nil, "cluster", cluster)
	}
	in := externalSpawnRequest{
		Node: node, Name: name, Image: image.Image,
		CPU: image.Resources.CPU, MemMi: image.Resources.Memory,
		Env: image.Env, Group: req.Group, Pipeline: req.Pipeline,
		Stage: req.Stage, User: req.User,
		Args: RenderArgs(image.ArgStrategy, req),
	}
	if err := e.call(ctx, ec, "spawn", http.MethodPost, "/spawn", in, nil); err != nil {
		return nil, errs.Transient(err, "cluster", cluster, "node", node)
	}
	e.dwell.Arm(cluster, time.Duration(e.policy.DwellSeconds)*time.Second)
	return &types.Spawned{
		Name: name, Cluster: cluster, Node: node,
		Requisition: req, Resources: image.Resources,
		CreatedAt: time.Now(),
	}, nil
}

// Terminate posts a terminate request naming the worker to stop.
func (e *External) Terminate(ctx context.Context, cluster, node, name string) error {
	ec, ok := e.clusters[cluster]
	if !ok {
		return errs.NotFound(nil, "cluster", cluster)
	}
	in := map[string]string{"node": node, "name": name}
	if err := e.call(ctx, ec, "terminate", http.MethodPost, "/terminate", in, nil); err != nil {
		return errs.Transient(err, "cluster", cluster, "name", name)
	}
	return nil
}

func (e *External) MaxSway(cluster string) float64 {
	if ec, ok := e.clusters[cluster]; ok {
		return ec.cfg.MaxSway
	}
	return 0
}

func (e *External) Dwell(cluster string) bool {
	return e.dwell.Dwelling(cluster)
}

// call issues one HTTP round-trip against ec, retrying transient
// network failures and 5xx responses a handful of times before giving
// up, and decodes a JSON response body into out when non-nil.
func (e *External) call(ctx context.Context, ec *externalContext, op, method, path string, in, out interface{}) error {
	started := time.Now()
	err := retry.Do(func() error {
		var body *bytes.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			body = bytes.NewReader(raw)
		} else {
			body = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, ec.baseURL+path, body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if ec.token != "" {
			req.Header.Set("Authorization", "Bearer "+ec.token)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("external cluster %s: %s returned %d", ec.name, op, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("external cluster %s: %s returned %d", ec.name, op, resp.StatusCode))
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(200*time.Millisecond))
	metrics.BackendCallDuration.WithLabelValues("external", op).Observe(time.Since(started).Seconds())
	return err
}
