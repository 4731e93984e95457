package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blmnsale/crypto"
)

func newTestAddressString(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:8645" {
		t.Fatalf("default rpc address %q", cfg.RPCAddress)
	}
	if cfg.RPCTokenEnv != "BLMN_RPC_TOKEN" {
		t.Fatalf("default token env %q", cfg.RPCTokenEnv)
	}
	if cfg.EventCapacity != 4096 {
		t.Fatalf("default event capacity %d", cfg.EventCapacity)
	}
	if len(cfg.Oracle.Priority) != 1 || cfg.Oracle.Priority[0] != "manual" {
		t.Fatalf("default oracle priority %v", cfg.Oracle.Priority)
	}
	if cfg.Oracle.QuoteMaxAge() != 15*time.Minute {
		t.Fatalf("default quote max age %s", cfg.Oracle.QuoteMaxAge())
	}
}

func TestLoadParsesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := strings.Join([]string{
		`RPCAddress = "0.0.0.0:9000"`,
		`DataDir = "/var/lib/blmnsale"`,
		``,
		`[oracle]`,
		`Priority = ["http", "manual"]`,
		`QuoteMaxAgeSeconds = 60`,
		`Endpoint = "https://quotes.example/v1/rate"`,
		``,
		`[telemetry]`,
		`Enabled = true`,
		`Endpoint = "collector:4318"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9000" {
		t.Fatalf("rpc address %q", cfg.RPCAddress)
	}
	if cfg.DataDir != "/var/lib/blmnsale" {
		t.Fatalf("data dir %q", cfg.DataDir)
	}
	// Unset fields still pick up defaults.
	if cfg.MetricsAddress != "127.0.0.1:9464" {
		t.Fatalf("metrics address %q", cfg.MetricsAddress)
	}
	if cfg.Oracle.QuoteMaxAge() != time.Minute {
		t.Fatalf("quote max age %s", cfg.Oracle.QuoteMaxAge())
	}
	if cfg.Oracle.Endpoint != "https://quotes.example/v1/rate" {
		t.Fatalf("oracle endpoint %q", cfg.Oracle.Endpoint)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4318" {
		t.Fatalf("telemetry config: %+v", cfg.Telemetry)
	}
}

func TestValidateDecodesAddresses(t *testing.T) {
	cfg := &Config{
		OwnerAddress: newTestAddressString(t),
		Allocations: AllocationConfig{
			Presale:   newTestAddressString(t),
			Marketing: newTestAddressString(t),
			Exchange:  newTestAddressString(t),
			Rewards:   newTestAddressString(t),
			Team:      newTestAddressString(t),
			BurnSink:  newTestAddressString(t),
		},
	}
	owner, allocations, err := cfg.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if owner.String() != cfg.OwnerAddress {
		t.Fatalf("owner round trip mismatch")
	}
	if len(allocations) != 6 {
		t.Fatalf("expected 6 allocation entries, got %d", len(allocations))
	}
	if allocations["Presale"].String() != cfg.Allocations.Presale {
		t.Fatalf("presale address mismatch")
	}
}

func TestValidateRejectsBadAddresses(t *testing.T) {
	cfg := &Config{OwnerAddress: "not-an-address"}
	if _, _, err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid owner error")
	}

	cfg = &Config{
		OwnerAddress: newTestAddressString(t),
		Allocations: AllocationConfig{
			Presale:   newTestAddressString(t),
			Marketing: "bogus",
			Exchange:  newTestAddressString(t),
			Rewards:   newTestAddressString(t),
			Team:      newTestAddressString(t),
			BurnSink:  newTestAddressString(t),
		},
	}
	if _, _, err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid allocation error")
	}
	if _, _, err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "Marketing") {
		t.Fatalf("error must name the offending field, got %v", err)
	}
}
