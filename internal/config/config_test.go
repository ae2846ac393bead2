package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
symbols: ["XBTUSDTM"]
exchange:
  rest_base_url: "https://api.example.com"
  api_key: "k"
  api_secret: "s"
  api_passphrase: "p"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Trading.InitialSLRoi != 0.5 {
		t.Errorf("initial_sl_roi default = %v, want 0.5", cfg.Trading.InitialSLRoi)
	}
	if cfg.Trading.StopUpdateMinIntervalMs != 1500 {
		t.Errorf("stop_update_min_interval_ms default = %v, want 1500", cfg.Trading.StopUpdateMinIntervalMs)
	}
	if cfg.Trading.StopMinMoveTicks != 2 {
		t.Errorf("stop_min_move_ticks default = %v, want 2", cfg.Trading.StopMinMoveTicks)
	}
	if cfg.RateBudget.Headroom != 0.3 {
		t.Errorf("headroom default = %v, want 0.3", cfg.RateBudget.Headroom)
	}
	if cfg.RateBudget.BackoffInitialMs != 1000 || cfg.RateBudget.BackoffMaxMs != 60000 {
		t.Errorf("backoff defaults = %v/%v", cfg.RateBudget.BackoffInitialMs, cfg.RateBudget.BackoffMaxMs)
	}
	if cfg.Optimizer.Promotion.MinSampleSize != 20 {
		t.Errorf("promotion.min_sample_size default = %v, want 20", cfg.Optimizer.Promotion.MinSampleSize)
	}
	if cfg.Trading.TrailingMode != "staircase" {
		t.Errorf("trailing_mode default = %q", cfg.Trading.TrailingMode)
	}
}

func TestLoadCollectsUnknownKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
trading:
  no_such_knob: 42
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	found := false
	for _, key := range cfg.Unused {
		if key == "trading.no_such_knob" {
			found = true
		}
	}
	if !found {
		t.Errorf("unknown key not collected, got %v", cfg.Unused)
	}
}

func TestValidateRejectsReservedTrailingModes(t *testing.T) {
	for _, mode := range []string{"atr", "dynamic", "bogus"} {
		cfg, err := Load(writeConfig(t, minimalYAML+`
trading:
  trailing_mode: "`+mode+`"
`))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("trailing_mode %q should fail validation", mode)
		}
	}
}

func TestValidateRejectsNonMarkStopPriceType(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
trading:
  stop_price_type: "TP"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("stop_price_type other than MP should fail validation")
	}
}

func TestValidateRequiresSymbols(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
exchange:
  rest_base_url: "https://api.example.com"
  api_key: "k"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("empty symbols should fail validation")
	}
}

func TestEnvOverridesSensitiveFields(t *testing.T) {
	t.Setenv("PERP_API_KEY", "env-key")
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Exchange.APIKey)
	}
}
