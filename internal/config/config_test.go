package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.Symbol != "R_100" {
		t.Errorf("symbol = %q, want R_100", cfg.Broker.Symbol)
	}
	if cfg.Broker.CallTimeout != 5*time.Second {
		t.Errorf("call timeout = %s, want 5s", cfg.Broker.CallTimeout)
	}
	if cfg.Risk.DailyCap != 8.0 {
		t.Errorf("daily cap = %v, want 8.0", cfg.Risk.DailyCap)
	}
	if cfg.Risk.KillswitchThreshold != 0.045 {
		t.Errorf("killswitch threshold = %v, want 0.045", cfg.Risk.KillswitchThreshold)
	}
	if cfg.Strategy.Variant != "sma" {
		t.Errorf("variant = %q, want sma", cfg.Strategy.Variant)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
broker:
  app_id: "1089"
  token: test-token
  symbol: R_50
strategy:
  variant: squeeze
risk:
  daily_cap: 12.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.Symbol != "R_50" {
		t.Errorf("symbol = %q, want R_50", cfg.Broker.Symbol)
	}
	if cfg.Strategy.Variant != "squeeze" {
		t.Errorf("variant = %q, want squeeze", cfg.Strategy.Variant)
	}
	if cfg.Risk.DailyCap != 12.5 {
		t.Errorf("daily cap = %v, want 12.5", cfg.Risk.DailyCap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	want := "wss://ws.derivws.com/websockets/v3?app_id=1089"
	if cfg.Broker.Endpoint != want {
		t.Errorf("endpoint = %q, want %q", cfg.Broker.Endpoint, want)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("validate accepted empty credentials")
	}
}

func TestValidateRejectsUnknownVariant(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Broker.AppID = "1"
	cfg.Broker.Token = "t"
	cfg.Strategy.Variant = "martingale"
	if err := cfg.Validate(); err == nil {
		t.Fatal("validate accepted unknown variant")
	}
}
