package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// NodeConfig holds the configuration of the development ledger node.
type NodeConfig struct {
	DataDir          string
	BindAddress      string
	Port             int
	NodeKey          string // path to the ledger's own identity key
	Provisioner      ledger.Address
	Admin            ledger.Address
	Treasury         ledger.Address
	TokenSymbol      string
	Faucet           bool
	SnapshotInterval time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string
}

// SnapshotPath returns the ledger snapshot file.
func (c *NodeConfig) SnapshotPath() string { return filepath.Join(c.DataDir, "ledger.cbor") }

// ListenAddr returns host:port for the gateway.
func (c *NodeConfig) ListenAddr() string { return fmt.Sprintf("%s:%d", c.BindAddress, c.Port) }

// LoadNodeConfig loads ledger node configuration from LN_* variables.
func LoadNodeConfig() (*NodeConfig, error) {
	loadDotEnv()

	port, err := envOrDefaultInt("LN_PORT", 8545)
	if err != nil {
		return nil, err
	}
	faucet, err := envOrDefaultBool("LN_FAUCET", false)
	if err != nil {
		return nil, err
	}
	interval, err := envOrDefaultDuration("LN_SNAPSHOT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &NodeConfig{
		DataDir:          envOrDefault("LN_DATA_DIR", "/var/lib/pulse-ledger"),
		BindAddress:      envOrDefault("LN_BIND_ADDRESS", "127.0.0.1"),
		Port:             port,
		TokenSymbol:      envOrDefault("LN_TOKEN_SYMBOL", "USDC"),
		Faucet:           faucet,
		SnapshotInterval: interval,
		LogLevel:         envOrDefault("LN_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LN_LOG_FORMAT", "auto"),
		LogFile:          envOrDefault("LN_LOG_FILE", ""),
	}
	cfg.NodeKey = envOrDefault("LN_NODE_KEY_FILE", filepath.Join(cfg.DataDir, "node.key"))

	if err := cfg.loadAddresses(); err != nil {
		return nil, fmt.Errorf("validate ledger node config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate ledger node config: %w", err)
	}
	return cfg, nil
}

func (c *NodeConfig) loadAddresses() error {
	var missing []string
	for _, f := range []struct {
		key string
		dst *ledger.Address
	}{
		{"LN_PROVISIONER_ADDRESS", &c.Provisioner},
		{"LN_ADMIN_ADDRESS", &c.Admin},
		{"LN_TREASURY_ADDRESS", &c.Treasury},
	} {
		raw := envOrDefault(f.key, "")
		if raw == "" {
			missing = append(missing, f.key)
			continue
		}
		addr, err := ledger.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = addr
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *NodeConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LN_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SnapshotInterval < time.Second {
		return fmt.Errorf("LN_SNAPSHOT_INTERVAL must be at least 1s, got %s", c.SnapshotInterval)
	}
	if c.TokenSymbol == "" {
		return fmt.Errorf("LN_TOKEN_SYMBOL must not be empty")
	}
	return nil
}
