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

// Package apiclient is the scaler's one window onto the rest of the
// platform: the HTTP API surface, the user/group/auth subsystem, and
// per-user job statistics all live outside this module. apiclient only
// implements the narrow read contracts pkg/cache.Source and
// pkg/scheduler.FairShareSource need, as thin JSON calls against the
// external API this scaler is one client of.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mjcarson/thorium-scaler/pkg/cache"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/scheduler"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

// Client is a minimal JSON client over the Thorium API's scaler-facing
// endpoints. It satisfies pkg/cache.Source and pkg/scheduler.FairShareSource.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://thorium.example.com"),
// authenticating every request with token.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, token: token, http: &http.Client{Timeout: timeout}}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return errs.Transient(err, "path", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.Transient(err, "path", path)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transient(err, "path", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errs.NotFound(fmt.Errorf("%s: not found", path))
	}
	if resp.StatusCode >= 300 {
		return errs.Transient(fmt.Errorf("%s: status %d", path, resp.StatusCode), "status", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Users satisfies cache.Source.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	var users []string
	if err := c.get(ctx, "/api/scaler/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

type imageWire struct {
	Group       string              `json:"group"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Scaler      string              `json:"scaler"`
	Image       string              `json:"image"`
	CPU         string              `json:"cpu"`
	Memory      string              `json:"memory"`
	Storage     string              `json:"storage"`
	NvidiaGPU   int64               `json:"nvidia_gpu"`
	AMDGPU      int64               `json:"amd_gpu"`
	SpawnLimit  *uint64             `json:"spawn_limit,omitempty"`
	TimeoutSecs int64               `json:"timeout_seconds"`
	BanList     []string            `json:"ban_list"`
	CleanupHook string              `json:"clean_up,omitempty"`
}

func (w imageWire) toImage() (types.Image, error) {
	cpu, err := resources.Parse(w.CPU)
	if err != nil {
		return types.Image{}, err
	}
	mem, err := resources.ParseMebibytes(w.Memory)
	if err != nil {
		return types.Image{}, err
	}
	storage, err := resources.ParseMebibytes(w.Storage)
	if err != nil && w.Storage != "" {
		return types.Image{}, err
	}
	limit := types.SpawnLimit{Unlimited: true}
	if w.SpawnLimit != nil {
		limit = types.SpawnLimit{Basic: *w.SpawnLimit}
	}
	return types.Image{
		Group:   w.Group,
		Name:    w.Name,
		Version: w.Version,
		Backend: w.Scaler,
		Image:   w.Image,
		Resources: resources.Resources{
			CPU: cpu, Memory: mem, EphemeralStorage: storage,
			WorkerSlots: 1, NvidiaGPU: w.NvidiaGPU, AMDGPU: w.AMDGPU,
		},
		SpawnLimit:  limit,
		Timeout:     time.Duration(w.TimeoutSecs) * time.Second,
		BanList:     w.BanList,
		CleanupHook: w.CleanupHook,
	}, nil
}

// Images satisfies cache.Source.
func (c *Client) Images(ctx context.Context) ([]types.Image, error) {
	var wire []imageWire
	if err := c.get(ctx, "/api/scaler/images", &wire); err != nil {
		return nil, err
	}
	images := make([]types.Image, 0, len(wire))
	for _, w := range wire {
		img, err := w.toImage()
		if err != nil {
			return nil, errs.InvalidConfig(err, "group", w.Group, "name", w.Name)
		}
		images = append(images, img)
	}
	return images, nil
}

// Pipelines satisfies cache.Source.
func (c *Client) Pipelines(ctx context.Context) ([]cache.Pipeline, error) {
	var pipelines []cache.Pipeline
	if err := c.get(ctx, "/api/scaler/pipelines", &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

// Settings satisfies cache.Source.
func (c *Client) Settings(ctx context.Context) (cache.Settings, error) {
	var wire struct {
		FairSharePerUserCPU    string `json:"fair_share_per_user_cpu"`
		FairSharePerUserMemory string `json:"fair_share_per_user_memory"`
	}
	if err := c.get(ctx, "/api/scaler/settings", &wire); err != nil {
		return cache.Settings{}, err
	}
	cpu, err := resources.Parse(wire.FairSharePerUserCPU)
	if err != nil {
		return cache.Settings{}, errs.InvalidConfig(err)
	}
	mem, err := resources.ParseMebibytes(wire.FairSharePerUserMemory)
	if err != nil {
		return cache.Settings{}, errs.InvalidConfig(err)
	}
	return cache.Settings{FairSharePerUser: resources.Resources{CPU: cpu, Memory: mem}}, nil
}

// Outstanding satisfies pkg/scheduler.FairShareSource: the count of
// waiting jobs per requisition for one user, as the job-statistics view
// the API layer maintains.
func (c *Client) Outstanding(ctx context.Context, user string) ([]scheduler.Outstanding, error) {
	var wire []struct {
		Group    string `json:"group"`
		Pipeline string `json:"pipeline"`
		Stage    string `json:"stage"`
		Count    int64  `json:"count"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/scaler/users/%s/outstanding", url.PathEscape(user)), &wire); err != nil {
		return nil, err
	}
	out := make([]scheduler.Outstanding, 0, len(wire))
	for _, w := range wire {
		out = append(out, scheduler.Outstanding{
			Requisition: types.Requisition{User: user, Group: w.Group, Pipeline: w.Pipeline, Stage: w.Stage},
			Count:       w.Count,
		})
	}
	return out, nil
}
