// Package config loads the monitor configuration from /etc/blockhost.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is the installer-written monitor configuration.
	DefaultConfigFile = "/etc/blockhost/blockhost.yaml"
	// DefaultStateDir holds the monitor's durable state (vms.json, nonces, cursor).
	DefaultStateDir = "/var/lib/blockhost"
	// DefaultCommandsFile is the admin command registry written by the installer.
	DefaultCommandsFile = "/etc/blockhost/admin-commands.json"
)

// AdminConfig configures the authenticated admin command channel.
type AdminConfig struct {
	// WalletAddress is the only sender whose transactions are scanned for commands.
	WalletAddress string `yaml:"wallet_address"`
	// SharedSecretFile holds the hex-encoded HMAC key.
	SharedSecretFile string `yaml:"shared_secret_file"`
	// MaxCommandAge bounds how long used nonces are retained, in seconds.
	MaxCommandAge int `yaml:"max_command_age"`
}

// MonitorConfig configures the polling loop and its periodic tasks.
type MonitorConfig struct {
	PollInterval      time.Duration `yaml:"-"`
	ReconcileInterval time.Duration `yaml:"-"`
	FundInterval      time.Duration `yaml:"-"`
	GasCheckInterval  time.Duration `yaml:"-"`
	// ResumeFrom selects the startup cursor: "tip" skips blocks produced
	// while the process was down, "disk" replays them at least once.
	ResumeFrom string `yaml:"resume_from"`
	// MinGasSats is the balance floor below which the gas check warns.
	MinGasSats int64 `yaml:"min_gas_sats"`
}

// UnmarshalYAML accepts Go duration strings ("30s", "1h") for the interval
// fields. Absent fields keep whatever defaults were set before decoding.
func (m *MonitorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PollInterval      string `yaml:"poll_interval"`
		ReconcileInterval string `yaml:"reconcile_interval"`
		FundInterval      string `yaml:"fund_interval"`
		GasCheckInterval  string `yaml:"gas_check_interval"`
		ResumeFrom        string `yaml:"resume_from"`
		MinGasSats        *int64 `yaml:"min_gas_sats"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	intervals := []struct {
		text   string
		target *time.Duration
		field  string
	}{
		{raw.PollInterval, &m.PollInterval, "poll_interval"},
		{raw.ReconcileInterval, &m.ReconcileInterval, "reconcile_interval"},
		{raw.FundInterval, &m.FundInterval, "fund_interval"},
		{raw.GasCheckInterval, &m.GasCheckInterval, "gas_check_interval"},
	}
	for _, iv := range intervals {
		if iv.text == "" {
			continue
		}
		d, err := time.ParseDuration(iv.text)
		if err != nil {
			return fmt.Errorf("invalid monitor.%s %q: %w", iv.field, iv.text, err)
		}
		*iv.target = d
	}

	if raw.ResumeFrom != "" {
		m.ResumeFrom = raw.ResumeFrom
	}
	if raw.MinGasSats != nil {
		m.MinGasSats = *raw.MinGasSats
	}
	return nil
}

// ProvisionerConfig names the privileged helper binaries the monitor shells out to.
type ProvisionerConfig struct {
	Helper           string `yaml:"helper"`
	MintHelper       string `yaml:"mint_helper"`
	KnockHelper      string `yaml:"knock_helper"`
	GecosHelper      string `yaml:"gecos_helper"`
	DistributeHelper string `yaml:"distribute_helper"`
}

// PathsConfig locates the monitor's durable files.
type PathsConfig struct {
	StateDir     string `yaml:"state_dir"`
	CommandsFile string `yaml:"commands_file"`
}

// Config holds all monitor configuration.
type Config struct {
	RPCURL               string            `yaml:"rpc_url"`
	SubscriptionContract string            `yaml:"subscription_contract"`
	NFTContract          string            `yaml:"nft_contract"`
	ServerWallet         string            `yaml:"server_wallet"`
	Admin                AdminConfig       `yaml:"admin"`
	Monitor              MonitorConfig     `yaml:"monitor"`
	Provisioner          ProvisionerConfig `yaml:"provisioner"`
	Paths                PathsConfig       `yaml:"paths"`
	Port                 string            `yaml:"port"`
}

// Load reads the YAML config file, applies environment overrides, and validates.
// Priority: 1) Environment variables, 2) config file, 3) defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Monitor: MonitorConfig{
			PollInterval:      30 * time.Second,
			ReconcileInterval: 30 * time.Minute,
			FundInterval:      24 * time.Hour,
			GasCheckInterval:  time.Hour,
			ResumeFrom:        "tip",
		},
		Admin: AdminConfig{
			MaxCommandAge: 300,
		},
		Provisioner: ProvisionerConfig{
			Helper:      "blockhost-provision",
			MintHelper:  "blockhost-mint-nft",
			KnockHelper: "blockhost-knock",
			GecosHelper: "blockhost-gecos-sync",
		},
		Paths: PathsConfig{
			StateDir:     DefaultStateDir,
			CommandsFile: DefaultCommandsFile,
		},
		Port: "8088",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values.
func (cfg *Config) applyEnvOverrides() {
	cfg.RPCURL = getEnv("RPC_URL", cfg.RPCURL)
	cfg.SubscriptionContract = getEnv("BLOCKHOST_CONTRACT", cfg.SubscriptionContract)
	cfg.NFTContract = getEnv("NFT_CONTRACT", cfg.NFTContract)
	cfg.ServerWallet = getEnv("SERVER_WALLET", cfg.ServerWallet)
	cfg.Admin.WalletAddress = getEnv("ADMIN_WALLET", cfg.Admin.WalletAddress)
	cfg.Admin.SharedSecretFile = getEnv("ADMIN_SECRET_FILE", cfg.Admin.SharedSecretFile)
	cfg.Paths.StateDir = getEnv("BLOCKHOST_STATE_DIR", cfg.Paths.StateDir)
	cfg.Paths.CommandsFile = getEnv("BLOCKHOST_COMMANDS_FILE", cfg.Paths.CommandsFile)
	cfg.Port = getEnv("PORT", cfg.Port)

	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Monitor.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("RECONCILE_INTERVAL_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			cfg.Monitor.ReconcileInterval = time.Duration(mins) * time.Minute
		}
	}
}

// Validate checks that required configuration is present.
func (cfg *Config) Validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if cfg.SubscriptionContract == "" {
		return fmt.Errorf("subscription_contract is required")
	}
	if cfg.NFTContract == "" {
		return fmt.Errorf("nft_contract is required")
	}
	if cfg.Admin.WalletAddress == "" {
		return fmt.Errorf("admin.wallet_address is required")
	}
	if cfg.Admin.MaxCommandAge <= 0 {
		return fmt.Errorf("admin.max_command_age must be positive")
	}
	if cfg.Admin.SharedSecretFile == "" && os.Getenv("ADMIN_SHARED_SECRET") == "" {
		return fmt.Errorf("admin.shared_secret_file is required when ADMIN_SHARED_SECRET is not set")
	}
	switch cfg.Monitor.ResumeFrom {
	case "tip", "disk":
	default:
		return fmt.Errorf("monitor.resume_from must be \"tip\" or \"disk\", got %q", cfg.Monitor.ResumeFrom)
	}
	return nil
}

// LoadSharedSecret resolves the admin HMAC key.
// Priority: 1) ADMIN_SHARED_SECRET env var, 2) the configured secret file.
// The secret file may take a moment to appear on first boot, so a bounded
// wait is applied the same way required secrets are loaded elsewhere.
func (cfg *Config) LoadSharedSecret() ([]byte, error) {
	loader := NewSecretLoader(filepath.Dir(cfg.Admin.SharedSecretFile))

	raw, err := loader.LoadFile("ADMIN_SHARED_SECRET", cfg.Admin.SharedSecretFile, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin shared secret: %w", err)
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("admin shared secret is not valid hex: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("admin shared secret is empty")
	}
	return key, nil
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
