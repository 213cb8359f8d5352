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

// Command scaler is the thin CLI wrapper around pkg/scheduler: load
// config, wire the cache, cursor engine, backend adapters, and one
// Allocatable per configured backend, then run the tick loop until a
// shutdown signal. It is not a Kubernetes controller itself — the k8s
// backend adapter is one of several clients it drives, not something it
// runs under controller-runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gocql/gocql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/mjcarson/thorium-scaler/pkg/apiclient"
	"github.com/mjcarson/thorium-scaler/pkg/backend"
	"github.com/mjcarson/thorium-scaler/pkg/ban"
	"github.com/mjcarson/thorium-scaler/pkg/cache"
	"github.com/mjcarson/thorium-scaler/pkg/config"
	"github.com/mjcarson/thorium-scaler/pkg/cursor"
	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/logging"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
	"github.com/mjcarson/thorium-scaler/pkg/reconcile"
	"github.com/mjcarson/thorium-scaler/pkg/restrict"
	"github.com/mjcarson/thorium-scaler/pkg/scheduler"
)

// backendScaler pairs one Allocatable with the reconciler and backend
// that feed it; the scaler runs one of these per configured backend kind.
type backendScaler struct {
	kind  string
	alloc *scheduler.Allocatable
	recon *reconcile.Reconciler
	be    backend.Backend
}

func main() {
	configPath := pflag.String("config", "/etc/thorium/scaler.yaml", "path to the scaler's YAML configuration")
	metricsAddr := pflag.String("metrics-addr", ":9090", "address the Prometheus /metrics endpoint binds to")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, error")
	kubeconfig := pflag.String("kubeconfig", "", "path to a kubeconfig; empty uses in-cluster config")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)
	sugar := logger.Sugar()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	apiClient := apiclient.New(os.Getenv("THORIUM_API_URL"), os.Getenv("THORIUM_API_TOKEN"), 10*time.Second)
	c := cache.New(apiClient)
	if err := c.Reload(ctx); err != nil {
		sugar.Fatalw("initial cache load failed", "error", err)
	}

	bans := ban.New(c, c)

	var scyllaSession *gocql.Session
	if len(cfg.Storage.Scylla.Hosts) > 0 {
		scyllaSession, err = cursor.NewGocqlSession(cfg.Storage.Scylla.Hosts, cfg.Storage.Scylla.Keyspace, 10*time.Second)
		if err != nil {
			sugar.Fatalw("failed to dial scylla", "error", err)
		}
		defer scyllaSession.Close()
	}

	var cursorStore cursor.Store
	if cfg.Storage.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr})
		defer redisClient.Close() //nolint:errcheck
		cursorStore = cursor.NewRedisStore(redisClient)
	}

	if cursorStore != nil && scyllaSession != nil {
		mux.Handle("/query/", newQueryHandler(cursorStore, scyllaSession, cfg.Storage.Scylla.Keyspace))
	}

	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("metrics server stopped", "error", err)
		}
	}()

	scalers, err := buildBackendScalers(cfg, c, bans, apiClient, scyllaSession, *kubeconfig)
	if err != nil {
		sugar.Fatalw("failed to build backend adapters", "error", err)
	}

	go c.Run(ctx, cfg.CacheLifetime())
	go runDecay(ctx, scalers, cfg.Scaler.Tasks.DecreaseFairShare)

	runTickLoop(ctx, scalers, c)
	sugar.Info("shutdown complete")
}

// runDecay periodically decays every backend's fair-share ranks,
// independently of the tick loop, at its own configured period.
func runDecay(ctx context.Context, scalers []*backendScaler, periodSeconds int64) {
	if periodSeconds <= 0 {
		periodSeconds = 600
	}
	ticker := time.NewTicker(time.Duration(periodSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range scalers {
				s.alloc.DecreaseFairShareRanks()
			}
		}
	}
}

// runTickLoop drives the per-tick control flow for every configured
// backend, once per second, until ctx is cancelled. A shutdown signal
// lets the in-flight tick finish rather than interrupting it, since
// mid-tick cancellation would leak spawn receipts.
func runTickLoop(ctx context.Context, scalers []*backendScaler, c *cache.Cache) {
	logger := logging.FromContext(ctx).Sugar()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range scalers {
				if err := runOneTick(ctx, s, c); err != nil {
					logger.Warnw("tick failed", "backend", s.kind, "error", err)
				}
			}
		}
	}
}

func runOneTick(ctx context.Context, s *backendScaler, c *cache.Cache) error {
	started := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(s.kind).Observe(time.Since(started).Seconds())
	}()

	if err := s.recon.Tick(ctx); err != nil {
		return err
	}
	s.alloc.ResizeFairSharePool(c.FairSharePerUser(), c.UserCount())

	touched, err := s.alloc.Tick(ctx, started)
	if err != nil {
		return err
	}
	_ = touched // the touched requisitions are not logged or otherwise used here

	var errs error
	for _, sp := range s.alloc.NewSpawns() {
		metrics.SpawnedWorkersTotal.WithLabelValues(string(sp.Pool), sp.Requisition.Group+"/"+sp.Requisition.Stage).Inc()
		image, ok := c.GetImage(sp.Requisition.Group, sp.Requisition.Stage)
		if !ok {
			continue
		}
		if _, err := s.be.Spawn(ctx, sp.Cluster, sp.Node, sp.Name, image, sp.Requisition); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, sp := range s.alloc.ScaleDowns() {
		metrics.PreemptionsTotal.WithLabelValues(sp.Cluster).Inc()
		if err := s.be.Terminate(ctx, sp.Cluster, sp.Node, sp.Name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// buildBackendScalers constructs one Allocatable+Reconciler+Backend
// triple per non-empty backend section of cfg. scyllaSession may be nil
// when no storage section is configured, in which case the deadline
// pass always sees an empty window.
func buildBackendScalers(cfg *config.Config, c *cache.Cache, bans *ban.Filter, apiClient *apiclient.Client, scyllaSession *gocql.Session, kubeconfig string) ([]*backendScaler, error) {
	var scalers []*backendScaler

	if len(cfg.Scaler.K8s.Clusters) > 0 {
		be, err := backend.NewK8s(cfg.Scaler.K8s.BackendPolicy, cfg.Scaler.K8s.Clusters, cfg.BaseNetworkPolicies, cfg.HostPathAllowlist, kubeconfig)
		if err != nil {
			return nil, err
		}
		s := newBackendScaler("k8s", be, cfg.Scaler.K8s.BackendPolicy, cfg, c, bans, apiClient, scyllaSession)
		if err := applyK8sRestrictions(s.alloc.Restrictions, cfg.Scaler.K8s.Clusters); err != nil {
			return nil, err
		}
		scalers = append(scalers, s)
	}
	if len(cfg.Scaler.BareMetal.Clusters) > 0 {
		be := backend.NewBareMetal(cfg.Scaler.BareMetal.BackendPolicy, cfg.Scaler.BareMetal.Clusters)
		scalers = append(scalers, newBackendScaler("bare_metal", be, cfg.Scaler.BareMetal.BackendPolicy, cfg, c, bans, apiClient, scyllaSession))
	}
	if len(cfg.Scaler.KVM.Clusters) > 0 {
		be := backend.NewKVM(cfg.Scaler.KVM.BackendPolicy, cfg.Scaler.KVM.Clusters)
		scalers = append(scalers, newBackendScaler("kvm", be, cfg.Scaler.KVM.BackendPolicy, cfg, c, bans, apiClient, scyllaSession))
	}
	if len(cfg.Scaler.Windows.Clusters) > 0 {
		be := backend.NewWindows(cfg.Scaler.Windows.BackendPolicy, cfg.Scaler.Windows.Clusters)
		scalers = append(scalers, newBackendScaler("windows", be, cfg.Scaler.Windows.BackendPolicy, cfg, c, bans, apiClient, scyllaSession))
	}
	if len(cfg.Scaler.External.Clusters) > 0 {
		be := backend.NewExternal(cfg.Scaler.External.BackendPolicy, cfg.Scaler.External.Clusters)
		scalers = append(scalers, newBackendScaler("external", be, cfg.Scaler.External.BackendPolicy, cfg, c, bans, apiClient, scyllaSession))
	}
	return scalers, nil
}

// applyK8sRestrictions folds each cluster's restriction policy into the
// allocator's table: restricted clusters accept only images with an
// explicit entry, and each image_restrictions entry
// ("group/image" or "group/image=node1,node2") confines that image to
// the listed nodes, defaulting to the cluster's whole node list.
func applyK8sRestrictions(table *restrict.Table, clusters map[string]config.K8sCluster) error {
	for name, cc := range clusters {
		if cc.Restricted {
			table.SetRestricted(name)
		}
		for _, entry := range cc.ImageRestrictions {
			spec := strings.SplitN(entry, "=", 2)
			gi := strings.SplitN(spec[0], "/", 2)
			if len(gi) != 2 || gi[0] == "" || gi[1] == "" {
				return errs.InvalidConfig(fmt.Errorf("image restriction %q must be group/image[=node,...]", entry), "cluster", name)
			}
			nodes := cc.Nodes
			if len(spec) == 2 && spec[1] != "" {
				nodes = strings.Split(spec[1], ",")
			}
			table.Allow(name, gi[0], gi[1], nodes)
		}
	}
	return nil
}

// deadlineTable is the bucketed deadline stream every backend's deadline
// pass pulls from, partitioned by scaler tag (here the backend kind).
func deadlineTable(keyspace string) cursor.GocqlTable {
	return cursor.GocqlTable{
		Keyspace:      keyspace,
		Table:         "deadlines",
		PartitionCol:  "scaler_tag",
		TimestampCol:  "deadline",
		ClusteringCol: "job_id",
		DedupeCol:     "job_id",
	}
}

func newBackendScaler(kind string, be backend.Backend, policy config.BackendPolicy, cfg *config.Config, c *cache.Cache, bans *ban.Filter, apiClient *apiclient.Client, scyllaSession *gocql.Session) *backendScaler {
	var pull cursor.PullFunc
	if scyllaSession != nil {
		pull = cursor.NewGocqlPull(scyllaSession, deadlineTable(cfg.Storage.Scylla.Keyspace))
	}
	deadlineFeed := cursor.NewDeadlineFeed(pull, 86400, 31536000, 99)
	alloc := scheduler.New(kind, policy, c, bans, deadlineFeed, apiClient, c)
	alloc.DeadlineWindow = cfg.Scaler.DeadlineWindow
	return &backendScaler{
		kind:  kind,
		alloc: alloc,
		recon: reconcile.New(be, alloc, c),
		be:    be,
	}
}

// newQueryHandler exposes the deadline stream as a resumable, paged HTTP
// query for operators: GET /query/deadlines?id=<cursor-id>&group=<tag>
// returns up to `limit` rows and resumes from where a prior call with
// the same id left off, backed by store's persisted cursor state.
func newQueryHandler(store cursor.Store, session *gocql.Session, keyspace string) http.Handler {
	svc := cursor.NewQueryService(store, map[string]cursor.Schema{
		"deadlines": {
			PartitionSize: 86400,
			YearSeconds:   31536000,
			BucketLimit:   99,
			Pull:          cursor.NewGocqlPull(session, deadlineTable(keyspace)),
		},
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := strings.TrimPrefix(r.URL.Path, "/query/")
		id := r.URL.Query().Get("id")
		group := r.URL.Query().Get("group")
		if id == "" || group == "" {
			http.Error(w, "id and group are required", http.StatusBadRequest)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		rows, exhausted, err := svc.Page(r.Context(), kind, id, start, end, []string{group}, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Rows      []cursor.Row `json:"rows"`
			Exhausted bool         `json:"exhausted"`
		}{Rows: rows, Exhausted: exhausted})
	})
}
