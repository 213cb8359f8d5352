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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mjcarson/thorium-scaler/pkg/config"
)

const minimalYAML = `
thorium:
  scaler:
    deadline_window: 50000
    cache_lifetime: 30
    bare_metal:
      dwell: 60
      fair_share:
        cpu: 1.0
        memory: 0.5
      fair_share_divisor: 4
      clusters:
        rack1:
          username: thorium
          agent_path: /opt/thorium/agent
          nodes: ["node-a", "node-b"]
          max_sway: 0.1
  namespace_blacklist: ["kube-system"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeadlineWindow().Seconds() != 50000 {
		t.Fatalf("got %v", cfg.DeadlineWindow())
	}
	if cfg.Scaler.Tasks.CacheReload != 60 {
		t.Fatalf("expected default cache_reload period, got %d", cfg.Scaler.Tasks.CacheReload)
	}
}

func TestLoadValidatesBareMetalCluster(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	rack, ok := cfg.Scaler.BareMetal.Clusters["rack1"]
	if !ok {
		t.Fatal("expected rack1 cluster")
	}
	if rack.Username != "thorium" || len(rack.Nodes) != 2 {
		t.Fatalf("got %+v", rack)
	}
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	bad := `
thorium:
  scaler:
    bare_metal:
      clusters:
        rack1:
          agent_path: /opt/thorium/agent
`
	path := writeConfig(t, bad)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for missing username")
	}
}

func TestLoadRejectsBlankNamespaceBlacklistEntry(t *testing.T) {
	bad := `
thorium:
  namespace_blacklist: ["kube-system", ""]
`
	path := writeConfig(t, bad)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for blank namespace_blacklist entry")
	}
}
