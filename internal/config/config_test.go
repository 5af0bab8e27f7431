package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

func setReconcilerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RC_LEDGER_URL", "http://127.0.0.1:8545")
	t.Setenv("RC_DATA_DIR", t.TempDir())
	t.Setenv("RC_PROVIDER", "memory")
}

func TestLoadReconcilerConfigDefaults(t *testing.T) {
	setReconcilerEnv(t)

	cfg, err := LoadReconcilerConfig()
	if err != nil {
		t.Fatalf("LoadReconcilerConfig: %v", err)
	}
	if cfg.Concurrency != 8 || cfg.AddressAttempts != 30 || cfg.AddressPoll != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ObserverMode != "subscribe" || cfg.SweepSchedule != "@every 5m" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AdapterTimeout != time.Minute {
		t.Fatalf("AdapterTimeout = %s, want 1m", cfg.AdapterTimeout)
	}
	if cfg.ProvisionerKey != filepath.Join(cfg.DataDir, "provisioner.key") {
		t.Fatalf("ProvisionerKey = %q", cfg.ProvisionerKey)
	}
	if len(cfg.Catalog) != ledger.TierCount {
		t.Fatalf("catalog has %d tiers", len(cfg.Catalog))
	}
	if cfg.StatusDir() != filepath.Join(cfg.DataDir, "status") {
		t.Fatalf("StatusDir = %q", cfg.StatusDir())
	}
}

func TestLoadReconcilerConfigOverrides(t *testing.T) {
	setReconcilerEnv(t)
	t.Setenv("RC_CONCURRENCY", "3")
	t.Setenv("RC_AUTO_RETRY_FAILED", "true")
	t.Setenv("RC_OPEN_PORTS", "80, 443")
	t.Setenv("RC_BOOTSTRAP_PACKAGES", "htop,vim")
	t.Setenv("RC_METRICS_ADDR", "off")
	t.Setenv("RC_OBSERVER_MODE", "poll")
	t.Setenv("RC_ADAPTER_TIMEOUT", "90s")
	t.Setenv("RC_DOCKER_LIMIT_DISK", "true")

	cfg, err := LoadReconcilerConfig()
	if err != nil {
		t.Fatalf("LoadReconcilerConfig: %v", err)
	}
	if cfg.Concurrency != 3 || !cfg.AutoRetryFailed || cfg.ObserverMode != "poll" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.OpenPorts) != 2 || cfg.OpenPorts[0] != 80 || cfg.OpenPorts[1] != 443 {
		t.Fatalf("OpenPorts = %v", cfg.OpenPorts)
	}
	if len(cfg.Packages) != 2 || cfg.Packages[1] != "vim" {
		t.Fatalf("Packages = %v", cfg.Packages)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr = %q, want disabled", cfg.MetricsAddr)
	}
	if cfg.AdapterTimeout != 90*time.Second || !cfg.DockerDisk {
		t.Fatalf("AdapterTimeout = %s, DockerDisk = %v", cfg.AdapterTimeout, cfg.DockerDisk)
	}
}

func TestLoadReconcilerConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"missing ledger url", "RC_LEDGER_URL", "", "RC_LEDGER_URL"},
		{"bad scheme", "RC_LEDGER_URL", "ftp://ledger", "http or https"},
		{"bad provider", "RC_PROVIDER", "openstack", "RC_PROVIDER"},
		{"bad mode", "RC_OBSERVER_MODE", "push", "RC_OBSERVER_MODE"},
		{"zero concurrency", "RC_CONCURRENCY", "0", "RC_CONCURRENCY"},
		{"bad integer", "RC_MAX_ATTEMPTS", "many", "valid integer"},
		{"bad duration", "RC_LOCK_TTL", "soon", "valid duration"},
		{"zero adapter timeout", "RC_ADAPTER_TIMEOUT", "0s", "RC_ADAPTER_TIMEOUT"},
		{"bad port", "RC_OPEN_PORTS", "80,70000", "invalid port"},
		{"bad schedule", "RC_SWEEP_SCHEDULE", "sometimes", "RC_SWEEP_SCHEDULE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setReconcilerEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadReconcilerConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadCatalogOverridesFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	content := `
[tiers.standard]
machine_type = "e2-standard-2"

[tiers.dedicated]
machine_type = "c3-standard-8"
image = "ubuntu-2404"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog("docker", path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if got := catalog["standard"]; got.MachineType != "e2-standard-2" || got.Image != "debian:bookworm-slim" {
		t.Fatalf("standard = %+v", got)
	}
	if got := catalog["dedicated"]; got.Image != "ubuntu-2404" {
		t.Fatalf("dedicated = %+v", got)
	}
	if got := catalog["starter"]; got.MachineType != "starter" {
		t.Fatalf("starter = %+v", got)
	}
}

func TestLoadCatalogRejectsUnknownEntries(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"unknown-tier": "[tiers.huge]\nmachine_type = \"x\"\n",
		"unknown-key":  "[tiers.starter]\nflavour = \"x\"\n",
		"malformed":    "[tiers.starter\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCatalog("docker", path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadNodeConfig(t *testing.T) {
	addrs := make([]string, 3)
	for i := range addrs {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		addrs[i] = ledger.AddressFromPublicKey(pub).String()
	}

	t.Setenv("LN_DATA_DIR", t.TempDir())
	t.Setenv("LN_PROVISIONER_ADDRESS", addrs[0])
	t.Setenv("LN_ADMIN_ADDRESS", addrs[1])
	t.Setenv("LN_TREASURY_ADDRESS", addrs[2])
	t.Setenv("LN_FAUCET", "1")

	cfg, err := LoadNodeConfig()
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Provisioner.String() != addrs[0] || !cfg.Faucet || cfg.Port != 8545 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ListenAddr() != "127.0.0.1:8545" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr())
	}
	if cfg.SnapshotPath() != filepath.Join(cfg.DataDir, "ledger.cbor") {
		t.Fatalf("SnapshotPath = %q", cfg.SnapshotPath())
	}

	t.Setenv("LN_ADMIN_ADDRESS", "")
	if _, err := LoadNodeConfig(); err == nil || !strings.Contains(err.Error(), "LN_ADMIN_ADDRESS") {
		t.Fatalf("expected missing admin error, got %v", err)
	}
}
