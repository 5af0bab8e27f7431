package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/robfig/cron/v3"
)

// Providers lists the accepted RC_PROVIDER values.
var Providers = []string{"memory", "docker", "kubernetes"}

// ReconcilerConfig holds all configuration for the reconciler daemon.
type ReconcilerConfig struct {
	DataDir         string
	LedgerURL       string
	ProvisionerKey  string // path to the provisioning identity key
	ObserverMode    string
	ObserverPoll    time.Duration
	Concurrency     int
	AddressPoll     time.Duration
	AddressAttempts int
	AdapterTimeout  time.Duration // per cloud provider call
	SweepSchedule   string
	AutoRetryFailed bool
	MaxAttempts     int
	RedisURL        string // optional; enables the shared lock
	LockTTL         time.Duration
	MetricsAddr     string // empty disables the metrics server

	Provider      string
	CatalogFile   string
	Catalog       cloud.Catalog
	OpenPorts     []int
	Packages      []string
	DockerNetwork string
	DockerDisk    bool // apply tier disk size as the container rootfs size
	KubeNamespace string
	Kubeconfig    string
	KubeContext   string

	LogLevel  string
	LogFormat string
	LogFile   string // optional JSON copy of the log
}

// StatusDir returns the directory of the status store.
func (c *ReconcilerConfig) StatusDir() string { return filepath.Join(c.DataDir, "status") }

// CheckpointDir returns the directory of the observer checkpoint.
func (c *ReconcilerConfig) CheckpointDir() string { return filepath.Join(c.DataDir, "observer") }

// CredentialsDir returns the directory of the credential vault.
func (c *ReconcilerConfig) CredentialsDir() string { return filepath.Join(c.DataDir, "credentials") }

// LoadReconcilerConfig loads reconciler configuration from RC_* variables.
func LoadReconcilerConfig() (*ReconcilerConfig, error) {
	loadDotEnv()

	cfg := &ReconcilerConfig{
		DataDir:       envOrDefault("RC_DATA_DIR", "/var/lib/pulse-compute"),
		LedgerURL:     envOrDefault("RC_LEDGER_URL", ""),
		ObserverMode:  envOrDefault("RC_OBSERVER_MODE", "subscribe"),
		SweepSchedule: envOrDefault("RC_SWEEP_SCHEDULE", "@every 5m"),
		RedisURL:      envOrDefault("RC_REDIS_URL", ""),
		MetricsAddr:   envOrDefault("RC_METRICS_ADDR", ":9464"),
		Provider:      envOrDefault("RC_PROVIDER", "docker"),
		CatalogFile:   envOrDefault("RC_CATALOG_FILE", ""),
		Packages:      envList("RC_BOOTSTRAP_PACKAGES"),
		DockerNetwork: envOrDefault("RC_DOCKER_NETWORK", "pulse-compute"),
		KubeNamespace: envOrDefault("RC_KUBE_NAMESPACE", "pulse-compute"),
		Kubeconfig:    envOrDefault("RC_KUBECONFIG", ""),
		KubeContext:   envOrDefault("RC_KUBE_CONTEXT", ""),
		LogLevel:      envOrDefault("RC_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("RC_LOG_FORMAT", "auto"),
		LogFile:       envOrDefault("RC_LOG_FILE", ""),
	}
	if strings.EqualFold(cfg.MetricsAddr, "off") {
		cfg.MetricsAddr = ""
	}
	cfg.ProvisionerKey = envOrDefault("RC_PROVISIONER_KEY_FILE", filepath.Join(cfg.DataDir, "provisioner.key"))

	var err error
	if cfg.ObserverPoll, err = envOrDefaultDuration("RC_OBSERVER_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = envOrDefaultInt("RC_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.AddressPoll, err = envOrDefaultDuration("RC_ADDRESS_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.AddressAttempts, err = envOrDefaultInt("RC_ADDRESS_POLL_ATTEMPTS", 30); err != nil {
		return nil, err
	}
	if cfg.AdapterTimeout, err = envOrDefaultDuration("RC_ADAPTER_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.DockerDisk, err = envOrDefaultBool("RC_DOCKER_LIMIT_DISK", false); err != nil {
		return nil, err
	}
	if cfg.AutoRetryFailed, err = envOrDefaultBool("RC_AUTO_RETRY_FAILED", false); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = envOrDefaultInt("RC_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = envOrDefaultDuration("RC_LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.OpenPorts, err = envPorts("RC_OPEN_PORTS"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate reconciler config: %w", err)
	}

	cfg.Catalog, err = LoadCatalog(cfg.Provider, cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ReconcilerConfig) validate() error {
	var missing []string
	if c.LedgerURL == "" {
		missing = append(missing, "RC_LEDGER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	parsed, err := url.Parse(c.LedgerURL)
	if err != nil {
		return fmt.Errorf("RC_LEDGER_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("RC_LEDGER_URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("RC_LEDGER_URL must include a host")
	}

	validProvider := false
	for _, p := range Providers {
		if c.Provider == p {
			validProvider = true
		}
	}
	if !validProvider {
		return fmt.Errorf("RC_PROVIDER must be one of %s, got %q", strings.Join(Providers, ", "), c.Provider)
	}
	if c.ObserverMode != "subscribe" && c.ObserverMode != "poll" {
		return fmt.Errorf("RC_OBSERVER_MODE must be subscribe or poll, got %q", c.ObserverMode)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("RC_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.AddressPoll <= 0 {
		return fmt.Errorf("RC_ADDRESS_POLL_INTERVAL must be greater than 0")
	}
	if c.AddressAttempts < 1 {
		return fmt.Errorf("RC_ADDRESS_POLL_ATTEMPTS must be at least 1, got %d", c.AddressAttempts)
	}
	if c.AdapterTimeout <= 0 {
		return fmt.Errorf("RC_ADAPTER_TIMEOUT must be greater than 0")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("RC_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.LockTTL < time.Second {
		return fmt.Errorf("RC_LOCK_TTL must be at least 1s, got %s", c.LockTTL)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("RC_SWEEP_SCHEDULE is invalid: %w", err)
	}
	return nil
}
