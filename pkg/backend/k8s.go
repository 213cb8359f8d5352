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
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/mjcarson/thorium-scaler/pkg/batcher"
	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/resources"
	"github.com/mjcarson/thorium-scaler/pkg/types"
)

const thoriumNamespace = "thorium"

// k8sContext is one cluster's live connection plus its dwell/sway
// policy.
type k8sContext struct {
	name      string
	client    kubernetes.Interface
	cfg       config.K8sCluster
	spawner   *batcher.Batcher[corev1.Pod, corev1.Pod]
	lastScale time.Time
}

// K8s backs clusters served by the Kubernetes API, one worker per Pod
// in the thorium namespace.
type K8s struct {
	policy            config.BackendPolicy
	clusters          map[string]*k8sContext
	dwell             *dwellTracker
	basePolicies      []string
	policyMu          sync.Mutex
	appliedPolicy     map[string]struct{}
	hostPathAllowlist []string
}

// NewK8s dials every configured cluster context and returns an adapter
// ready to list, spawn, and terminate pods against them. basePolicies are
// the always-applied NetworkPolicy YAML templates (thorium.base_network_policies).
// hostPathAllowlist gates which of an image's Volumes may be mounted as
// a hostPath volume (thorium.host_path_allowlist).
func NewK8s(policy config.BackendPolicy, clusters map[string]config.K8sCluster, basePolicies []string, hostPathAllowlist []string, kubeconfig string) (*K8s, error) {
	k := &K8s{
		policy:            policy,
		clusters:          map[string]*k8sContext{},
		dwell:             newDwellTracker(),
		basePolicies:      basePolicies,
		appliedPolicy:     map[string]struct{}{},
		hostPathAllowlist: hostPathAllowlist,
	}
	for name, cc := range clusters {
		restCfg, err := buildRestConfig(kubeconfig, cc)
		if err != nil {
			return nil, errs.InvalidConfig(err, "cluster", name)
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, errs.InvalidConfig(err, "cluster", name)
		}
		kc := &k8sContext{name: name, client: clientset, cfg: cc}
		kc.spawner = batcher.NewBatcher(context.Background(), batcher.Options[corev1.Pod, corev1.Pod]{
			Name:        "k8s_spawn_" + name,
			IdleTimeout: 50 * time.Millisecond,
			MaxTimeout:  2 * time.Second,
			MaxItems:    200,
			BatchExecutor: execCreatePods(clientset),
		})
		k.clusters[name] = kc
	}
	return k, nil
}

func buildRestConfig(kubeconfig string, cc config.K8sCluster) (*rest.Config, error) {
	if cc.APIURL == "" && kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return &rest.Config{
		Host:        cc.APIURL,
		ServerName:  cc.TLSServerName,
		TLSClientConfig: rest.TLSClientConfig{Insecure: cc.Insecure},
	}, nil
}

func (k *K8s) Kind() string { return "k8s" }

// ListNodes lists every thorium worker pod across every configured
// cluster context, fanned out with a bound on in-flight list calls.
func (k *K8s) ListNodes(ctx context.Context) ([]LiveNode, error) {
	var out []LiveNode
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	results := make([][]LiveNode, 0, len(k.clusters))
	resultsCh := make(chan []LiveNode, len(k.clusters))
	for name, kc := range k.clusters {
		name, kc := name, kc
		g.Go(func() error {
			started := time.Now()
			pods, err := kc.client.CoreV1().Pods(thoriumNamespace).List(gctx, metav1.ListOptions{
				LabelSelector: "thorium.io/managed=true",
			})
			metrics.BackendCallDuration.WithLabelValues("k8s", "list_nodes").Observe(time.Since(started).Seconds())
			if err != nil {
				return errs.Transient(err, "cluster", name)
			}
			live := make([]LiveNode, 0, len(pods.Items))
			for _, p := range pods.Items {
				live = append(live, LiveNode{
					Cluster: name,
					Node:    p.Spec.NodeName,
					Name:    p.Name,
					Failed:  p.Status.Phase == corev1.PodFailed,
				})
			}
			resultsCh <- live
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	for r := range resultsCh {
		results = append(results, r)
	}
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// NodeCapacity reports each node's allocatable cpu/memory straight from
// the Kubernetes API, restricted to the node names the cluster's config
// lists. The reconciler treats this as authoritative over whatever it
// last computed locally.
func (k *K8s) NodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	resultsCh := make(chan []NodeCapacity, len(k.clusters))
	for name, kc := range k.clusters {
		name, kc := name, kc
		g.Go(func() error {
			started := time.Now()
			nodes, err := kc.client.CoreV1().Nodes().List(gctx, metav1.ListOptions{})
			metrics.BackendCallDuration.WithLabelValues("k8s", "node_capacity").Observe(time.Since(started).Seconds())
			if err != nil {
				return errs.Transient(err, "cluster", name)
			}
			allowed := make(map[string]struct{}, len(kc.cfg.Nodes))
			for _, n := range kc.cfg.Nodes {
				allowed[n] = struct{}{}
			}
			var out []NodeCapacity
			for _, n := range nodes.Items {
				if len(allowed) > 0 {
					if _, ok := allowed[n.Name]; !ok {
						continue
					}
				}
				out = append(out, NodeCapacity{
					Cluster: name,
					Node:    n.Name,
					Total:   allocatableResources(n.Status.Allocatable),
				})
			}
			resultsCh <- out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	var out []NodeCapacity
	for r := range resultsCh {
		out = append(out, r...)
	}
	return out, nil
}

func allocatableResources(list corev1.ResourceList) resources.Resources {
	var r resources.Resources
	if q, ok := list[corev1.ResourceCPU]; ok {
		r.CPU = q.MilliValue()
	}
	if q, ok := list[corev1.ResourceMemory]; ok {
		r.Memory = q.Value() / (1024 * 1024)
	}
	if q, ok := list[corev1.ResourceEphemeralStorage]; ok {
		r.EphemeralStorage = q.Value() / (1024 * 1024)
	}
	if q, ok := list["nvidia.com/gpu"]; ok {
		r.NvidiaGPU = q.Value()
	}
	if q, ok := list["amd.com/gpu"]; ok {
		r.AMDGPU = q.Value()
	}
	return r
}

// Spawn creates a worker pod for image, pinned to node via the pod's
// NodeName, and routes the create call through a per-cluster batcher so
// a burst of placements from one tick is gathered into one window whose
// pods are then created concurrently, one API call per pod.
func (k *K8s) Spawn(ctx context.Context, cluster, node, name string, image types.Image, req types.Requisition) (*types.Spawned, error) {
	kc, ok := k.clusters[cluster]
	if !ok {
		return nil, errs.NotFound(nil, "cluster", cluster)
	}
	templates := make([]string, 0, len(k.basePolicies)+len(image.NetworkPolicies))
	templates = append(templates, k.basePolicies...)
	templates = append(templates, image.NetworkPolicies...)
	if err := k.ensureNetworkPolicies(ctx, kc, templates); err != nil {
		return nil, errs.Transient(err, "cluster", cluster)
	}
	pod := podSpec(name, node, image, req, k.hostPathAllowlist)
	result := kc.spawner.Add(ctx, &pod)
	if result.Err != nil {
		return nil, errs.Transient(result.Err, "cluster", cluster, "node", node)
	}
	k.dwell.Arm(cluster, time.Duration(k.policy.DwellSeconds)*time.Second)
	kc.lastScale = time.Now()
	return &types.Spawned{
		Name: name, Cluster: cluster, Node: node,
		Requisition: req, Resources: image.Resources,
		CreatedAt: time.Now(),
	}, nil
}

// Terminate deletes the worker pod immediately.
func (k *K8s) Terminate(ctx context.Context, cluster, _, name string) error {
	kc, ok := k.clusters[cluster]
	if !ok {
		return errs.NotFound(nil, "cluster", cluster)
	}
	started := time.Now()
	grace := int64(0)
	err := kc.client.CoreV1().Pods(thoriumNamespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	metrics.BackendCallDuration.WithLabelValues("k8s", "terminate").Observe(time.Since(started).Seconds())
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Transient(err, "cluster", cluster, "name", name)
	}
	return nil
}

// ensureNetworkPolicies decodes each YAML template and creates it in the
// thorium namespace if not already applied to this cluster, matching
// the combined "base policy from config plus all image.network_policies"
// a worker's pod must be covered by before it can run.
func (k *K8s) ensureNetworkPolicies(ctx context.Context, kc *k8sContext, templates []string) error {
	k.policyMu.Lock()
	defer k.policyMu.Unlock()
	for _, tmpl := range templates {
		var np networkingv1.NetworkPolicy
		if err := yaml.Unmarshal([]byte(tmpl), &np); err != nil {
			return err
		}
		if np.Namespace == "" {
			np.Namespace = thoriumNamespace
		}
		key := kc.name + "/" + np.Namespace + "/" + np.Name
		if _, done := k.appliedPolicy[key]; done {
			continue
		}
		_, err := kc.client.NetworkingV1().NetworkPolicies(np.Namespace).Create(ctx, &np, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
		k.appliedPolicy[key] = struct{}{}
	}
	return nil
}

func (k *K8s) MaxSway(cluster string) float64 {
	if kc, ok := k.clusters[cluster]; ok {
		return kc.cfg.MaxSway
	}
	return 0
}

func (k *K8s) Dwell(cluster string) bool {
	return k.dwell.Dwelling(cluster)
}

// hostPathVolumes turns an image's Volumes (absolute host paths) into
// pod volumes and matching container mounts, dropping any path not on
// allowlist rather than mounting it: an image asking for a path the
// operator hasn't cleared gets a worker with one less mount, not a
// rejected spawn.
func hostPathVolumes(volumes []string, allowlist []string) ([]corev1.Volume, []corev1.VolumeMount) {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, p := range allowlist {
		allowed[p] = struct{}{}
	}
	var vols []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, path := range volumes {
		if _, ok := allowed[path]; !ok {
			continue
		}
		name := "hostpath-" + strconv.Itoa(i)
		vols = append(vols, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: path},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: path})
	}
	return vols, mounts
}

// securityContext maps an image's generic string-keyed SecurityContext
// into the pod API's typed equivalent. Keys not recognized are ignored
// rather than rejected, since an image's context may carry hints meant
// for a different backend.
func securityContext(sc map[string]string) *corev1.SecurityContext {
	if len(sc) == 0 {
		return nil
	}
	ctx := &corev1.SecurityContext{}
	if v, ok := sc["run_as_user"]; ok {
		if uid, err := strconv.ParseInt(v, 10, 64); err == nil {
			ctx.RunAsUser = &uid
		}
	}
	if v, ok := sc["run_as_group"]; ok {
		if gid, err := strconv.ParseInt(v, 10, 64); err == nil {
			ctx.RunAsGroup = &gid
		}
	}
	if v, ok := sc["read_only_root_fs"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			ctx.ReadOnlyRootFilesystem = &b
		}
	}
	if v, ok := sc["privileged"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			ctx.Privileged = &b
		}
	}
	if v, ok := sc["capabilities_add"]; ok || sc["capabilities_drop"] != "" {
		caps := &corev1.Capabilities{}
		if v != "" {
			for _, c := range strings.Split(v, ",") {
				caps.Add = append(caps.Add, corev1.Capability(strings.TrimSpace(c)))
			}
		}
		if v, ok := sc["capabilities_drop"]; ok && v != "" {
			for _, c := range strings.Split(v, ",") {
				caps.Drop = append(caps.Drop, corev1.Capability(strings.TrimSpace(c)))
			}
		}
		ctx.Capabilities = caps
	}
	return ctx
}

func podSpec(name, node string, image types.Image, req types.Requisition, hostPathAllowlist []string) corev1.Pod {
	cpu := resource.NewMilliQuantity(image.Resources.CPU, resource.DecimalSI)
	// Memory is tracked in mebibytes; the quantity API wants bytes.
	mem := resource.NewQuantity(image.Resources.Memory*1024*1024, resource.BinarySI)
	env := make([]corev1.EnvVar, 0, len(image.Env))
	for k, v := range image.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	volumes, mounts := hostPathVolumes(image.Volumes, hostPathAllowlist)
	return corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: thoriumNamespace,
			Labels: map[string]string{
				"thorium.io/managed":  "true",
				"thorium.io/group":    req.Group,
				"thorium.io/pipeline": req.Pipeline,
				"thorium.io/stage":    req.Stage,
				"thorium.io/user":     req.User,
			},
		},
		Spec: corev1.PodSpec{
			NodeName:      node,
			RestartPolicy: corev1.RestartPolicyNever,
			Volumes:       volumes,
			Containers: []corev1.Container{{
				Name:            "worker",
				Image:           image.Image,
				Env:             env,
				Args:            RenderArgs(image.ArgStrategy, req),
				VolumeMounts:    mounts,
				SecurityContext: securityContext(image.SecurityContext),
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    *cpu,
						corev1.ResourceMemory: *mem,
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    *cpu,
						corev1.ResourceMemory: *mem,
					},
				},
			}},
		},
	}
}

func execCreatePods(client kubernetes.Interface) batcher.BatchExecutor[corev1.Pod, corev1.Pod] {
	return func(ctx context.Context, pods []*corev1.Pod) []batcher.Result[corev1.Pod] {
		results := make([]batcher.Result[corev1.Pod], len(pods))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(16)
		for i, p := range pods {
			i, p := i, p
			g.Go(func() error {
				created, err := client.CoreV1().Pods(p.Namespace).Create(gctx, p, metav1.CreateOptions{})
				if err != nil {
					results[i] = batcher.Result[corev1.Pod]{Err: err}
					return nil
				}
				results[i] = batcher.Result[corev1.Pod]{Output: created}
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
}
