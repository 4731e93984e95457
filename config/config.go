package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"blmnsale/crypto"
)

// Config is the service configuration persisted as TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	Environment    string `toml:"Environment"`

	OwnerAddress  string `toml:"OwnerAddress"`
	KeystorePath  string `toml:"KeystorePath"`
	RPCTokenEnv   string `toml:"RPCTokenEnv"`
	EventCapacity int    `toml:"EventCapacity"`

	Allocations AllocationConfig `toml:"allocations"`
	Oracle      OracleConfig     `toml:"oracle"`
	Telemetry   TelemetryConfig  `toml:"telemetry"`
}

// AllocationConfig names the bech32 addresses funded at ledger
// initialisation.
type AllocationConfig struct {
	Presale   string `toml:"Presale"`
	Marketing string `toml:"Marketing"`
	Exchange  string `toml:"Exchange"`
	Rewards   string `toml:"Rewards"`
	Team      string `toml:"Team"`
	BurnSink  string `toml:"BurnSink"`
}

// OracleConfig controls the price feed consulted at purchase time.
type OracleConfig struct {
	Priority           []string `toml:"Priority"`
	QuoteMaxAgeSeconds int64    `toml:"QuoteMaxAgeSeconds"`
	Endpoint           string   `toml:"Endpoint"`
	APIKey             string   `toml:"APIKey"`
	Pair               string   `toml:"Pair"`
}

// TelemetryConfig wires the optional OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// QuoteMaxAge returns the configured freshness window as a duration.
func (o OracleConfig) QuoteMaxAge() time.Duration {
	if o.QuoteMaxAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(o.QuoteMaxAgeSeconds) * time.Second
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = "127.0.0.1:9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "BLMN_RPC_TOKEN"
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = 4096
	}
	if len(cfg.Oracle.Priority) == 0 {
		cfg.Oracle.Priority = []string{"manual"}
	}
	if cfg.Oracle.QuoteMaxAgeSeconds <= 0 {
		cfg.Oracle.QuoteMaxAgeSeconds = 900
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the address fields and returns the decoded owner and
// allocation addresses.
func (c *Config) Validate() (crypto.Address, map[string]crypto.Address, error) {
	owner, err := crypto.DecodeAddress(strings.TrimSpace(c.OwnerAddress))
	if err != nil {
		return crypto.Address{}, nil, fmt.Errorf("config: invalid OwnerAddress: %w", err)
	}
	fields := map[string]string{
		"Presale":   c.Allocations.Presale,
		"Marketing": c.Allocations.Marketing,
		"Exchange":  c.Allocations.Exchange,
		"Rewards":   c.Allocations.Rewards,
		"Team":      c.Allocations.Team,
		"BurnSink":  c.Allocations.BurnSink,
	}
	decoded := make(map[string]crypto.Address, len(fields))
	for name, value := range fields {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
		if err != nil {
			return crypto.Address{}, nil, fmt.Errorf("config: invalid allocations.%s: %w", name, err)
		}
		decoded[name] = addr
	}
	return owner, decoded, nil
}
