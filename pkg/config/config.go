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

// Package config loads the scaler's configuration from YAML with an
// environment overlay, the way thorium.scaler.* keys are documented: any
// key path can be overridden by an env var with "." replaced by "__".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
)

// FairShareWeights weights cpu and memory when computing a user's
// fair-share rank cost for a single spawn.
type FairShareWeights struct {
	CPU    float64 `mapstructure:"cpu" validate:"min=0"`
	Memory float64 `mapstructure:"memory" validate:"min=0"`
}

// BackendPolicy carries the settings common to every backend kind:
// how often it may be scaled and how fair-share cost is weighted.
type BackendPolicy struct {
	DwellSeconds     int64            `mapstructure:"dwell" validate:"min=0"`
	FairShare        FairShareWeights `mapstructure:"fair_share"`
	FairShareDivisor float64          `mapstructure:"fair_share_divisor" validate:"min=0"`
}

// K8sCluster is a single Kubernetes context's scheduling policy.
type K8sCluster struct {
	Nodes              []string          `mapstructure:"nodes"`
	Filters            map[string]string `mapstructure:"filters"`
	Groups             []string          `mapstructure:"groups"`
	Restricted         bool              `mapstructure:"restricted"`
	ImageRestrictions  []string          `mapstructure:"image_restrictions"`
	MaxSway            float64           `mapstructure:"max_sway" validate:"min=0"`
	HostAliases        map[string]string `mapstructure:"host_aliases"`
	Insecure           bool              `mapstructure:"insecure"`
	APIURL             string            `mapstructure:"api_url"`
	TLSServerName      string            `mapstructure:"tls_server_name"`
}

// K8sBackend groups the per-backend dwell/fair-share policy with its
// named cluster contexts.
type K8sBackend struct {
	BackendPolicy `mapstructure:",squash"`
	Clusters      map[string]K8sCluster `mapstructure:"clusters" validate:"dive"`
}

// BareMetalCluster is a single pool of SSH-managed bare-metal hosts.
type BareMetalCluster struct {
	Username string   `mapstructure:"username" validate:"required"`
	Nodes    []string `mapstructure:"nodes"`
	// AgentPath is the path, on the remote host, to the thorium worker
	// agent binary Spawn execs. It is never used for SSH authentication.
	AgentPath string `mapstructure:"agent_path" validate:"required"`
	// SSHAuthSock is the unix socket path of the ssh-agent the scaler
	// authenticates through. Left empty, the SSH_AUTH_SOCK environment
	// variable is used instead, matching how an operator's own shell
	// would reach the same agent.
	SSHAuthSock string  `mapstructure:"ssh_auth_sock"`
	MaxSway     float64 `mapstructure:"max_sway" validate:"min=0"`
}

// BareMetalBackend groups bare-metal dwell/fair-share policy with its
// named clusters.
type BareMetalBackend struct {
	BackendPolicy `mapstructure:",squash"`
	Clusters      map[string]BareMetalCluster `mapstructure:"clusters" validate:"dive"`
}

// KVMCluster is a single libvirt hypervisor pool.
type KVMCluster struct {
	Nodes     []string `mapstructure:"nodes"`
	AgentPath string   `mapstructure:"agent_path" validate:"required"`
	MaxSway   float64  `mapstructure:"max_sway" validate:"min=0"`
}

// KVMBackend groups KVM dwell/fair-share policy with its named clusters.
type KVMBackend struct {
	BackendPolicy `mapstructure:",squash"`
	Clusters      map[string]KVMCluster `mapstructure:"clusters" validate:"dive"`
}

// WindowsCluster is a single pool of WinRM-managed Windows hosts.
type WindowsCluster struct {
	Username string   `mapstructure:"username" validate:"required"`
	Password string   `mapstructure:"password" validate:"required"`
	Nodes    []string `mapstructure:"nodes"`
	UseHTTPS bool     `mapstructure:"use_https"`
	MaxSway  float64  `mapstructure:"max_sway" validate:"min=0"`
}

// WindowsBackend groups Windows dwell/fair-share policy with its named
// clusters.
type WindowsBackend struct {
	BackendPolicy `mapstructure:",squash"`
	Clusters      map[string]WindowsCluster `mapstructure:"clusters" validate:"dive"`
}

// ExternalCluster is a pool fronted by a third party's own HTTP API;
// the scaler only ever calls its /nodes, /capacity, /spawn and /terminate
// endpoints.
type ExternalCluster struct {
	BaseURL string  `mapstructure:"base_url" validate:"required"`
	Token   string  `mapstructure:"token"`
	MaxSway float64 `mapstructure:"max_sway" validate:"min=0"`
}

// ExternalBackend groups external dwell/fair-share policy with its
// named clusters.
type ExternalBackend struct {
	BackendPolicy `mapstructure:",squash"`
	Clusters      map[string]ExternalCluster `mapstructure:"clusters" validate:"dive"`
}

// Tasks holds the period, in seconds, of each background task. A zero
// DecreaseFairShare makes cmd/scaler run the decay every 600 seconds.
type Tasks struct {
	LDAPSync           int64 `mapstructure:"ldap_sync" validate:"min=0"`
	ImageRuntimes      int64 `mapstructure:"image_runtimes" validate:"min=0"`
	Zombies            int64 `mapstructure:"zombies" validate:"min=0"`
	CacheReload        int64 `mapstructure:"cache_reload" validate:"min=0"`
	Resources          int64 `mapstructure:"resources" validate:"min=0"`
	Cleanup            int64 `mapstructure:"cleanup" validate:"min=0"`
	DecreaseFairShare  int64 `mapstructure:"decrease_fair_share" validate:"min=0"`
}

// Scaler is the thorium.scaler.* tree.
type Scaler struct {
	DeadlineWindow int64            `mapstructure:"deadline_window" validate:"min=1"`
	CacheLifetime  int64            `mapstructure:"cache_lifetime" validate:"min=1"`
	K8s            K8sBackend       `mapstructure:"k8s"`
	BareMetal      BareMetalBackend `mapstructure:"bare_metal"`
	KVM            KVMBackend       `mapstructure:"kvm"`
	Windows        WindowsBackend   `mapstructure:"windows"`
	External       ExternalBackend  `mapstructure:"external"`
	Tasks          Tasks            `mapstructure:"tasks"`
}

// ScyllaStorage is the cursor engine's CQL endpoint.
type ScyllaStorage struct {
	Hosts    []string `mapstructure:"hosts"`
	Keyspace string   `mapstructure:"keyspace"`
}

// RedisStorage is the cursor state store's endpoint.
type RedisStorage struct {
	Addr string `mapstructure:"addr"`
}

// ElasticStorage is the Elastic cursor's endpoint.
type ElasticStorage struct {
	Addresses []string `mapstructure:"addresses"`
}

// Storage groups the cursor engine's backing store endpoints, each
// reached over its own wire protocol (CQL, Redis RESP, Elastic REST).
type Storage struct {
	Scylla  ScyllaStorage  `mapstructure:"scylla"`
	Redis   RedisStorage   `mapstructure:"redis"`
	Elastic ElasticStorage `mapstructure:"elastic"`
}

// Config is the scaler's complete, validated configuration tree, rooted
// at the "thorium" YAML key.
type Config struct {
	Scaler              Scaler   `mapstructure:"scaler"`
	Storage             Storage  `mapstructure:"storage"`
	BaseNetworkPolicies []string `mapstructure:"base_network_policies"`
	NamespaceBlacklist  []string `mapstructure:"namespace_blacklist"`
	// HostPathAllowlist gates which absolute host paths an image's
	// Volumes may mount as a K8s hostPath volume; a path not on this
	// list is silently dropped from the pod spec rather than mounted.
	HostPathAllowlist []string `mapstructure:"host_path_allowlist"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("thorium.scaler.deadline_window", 100_000)
	v.SetDefault("thorium.scaler.cache_lifetime", 600)
	v.SetDefault("thorium.scaler.tasks.cache_reload", 60)
	v.SetDefault("thorium.scaler.tasks.resources", 30)
	v.SetDefault("thorium.scaler.tasks.decrease_fair_share", 600)
	v.SetDefault("thorium.scaler.tasks.zombies", 120)
	v.SetDefault("thorium.scaler.tasks.cleanup", 600)
	v.SetDefault("thorium.scaler.tasks.image_runtimes", 3600)
	v.SetDefault("thorium.scaler.tasks.ldap_sync", 3600)
}

// root wraps Config so the whole tree unmarshals in one pass, keeping
// viper's env overlay and defaults in scope. Extracting the subtree with
// viper.Sub would drop both.
type root struct {
	Thorium Config `mapstructure:"thorium"`
}

// Load reads path (YAML) then overlays any environment variable shaped
// like THORIUM__SCALER__K8S__CLUSTERS__FOO__MAX_SWAY, mirroring the
// "." -> "__" replacement the external interface documents. Validation
// failure is always an errs.InvalidConfig, fatal at startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.InvalidConfig(fmt.Errorf("reading config %s: %w", path, err), "path", path)
	}

	var wrapped root
	if err := v.Unmarshal(&wrapped); err != nil {
		return nil, errs.InvalidConfig(fmt.Errorf("decoding config: %w", err), "path", path)
	}
	cfg := wrapped.Thorium
	if err := cfg.Validate(); err != nil {
		return nil, errs.InvalidConfig(err, "path", path)
	}
	return &cfg, nil
}

// Validate applies struct-tag validation plus the few cross-field checks
// tags can't express, combining every failure rather than stopping at
// the first one.
func (c Config) Validate() error {
	return multierr.Combine(
		validator.New().Struct(c),
		c.validateNamespaceBlacklist(),
	)
}

func (c Config) validateNamespaceBlacklist() error {
	for _, ns := range c.NamespaceBlacklist {
		if strings.TrimSpace(ns) == "" {
			return fmt.Errorf("namespace_blacklist contains an empty entry")
		}
	}
	return nil
}

// DeadlineWindow is the window, as a time.Duration, of deadlines pulled
// per tick.
func (c Config) DeadlineWindow() time.Duration {
	return time.Duration(c.Scaler.DeadlineWindow) * time.Second
}

// CacheLifetime is the cache reload interval.
func (c Config) CacheLifetime() time.Duration {
	return time.Duration(c.Scaler.CacheLifetime) * time.Second
}
