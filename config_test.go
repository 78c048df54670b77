package webguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Thresholds.DDoSThreshold != 1000 || cfg.Thresholds.BruteForceThreshold != 20 {
		t.Fatalf("defaults not applied: %+v", cfg.Thresholds)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webguard.yaml")
	content := `
environment: production
thresholds:
  ddos_window_seconds: 30
  ddos_threshold: 500
  brute_force_window_seconds: 120
  brute_force_threshold: 10
blocked_ips:
  - 203.0.113.9
headers:
  hsts_max_age: 63072000
  connect_sources:
    - https://api.stripe.com
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Thresholds.DDoSThreshold != 500 || cfg.Thresholds.BruteForceWindowSeconds != 120 {
		t.Fatalf("thresholds not loaded: %+v", cfg.Thresholds)
	}
	if len(cfg.BlockedIPs) != 1 || cfg.BlockedIPs[0] != "203.0.113.9" {
		t.Fatalf("blocked ips = %v", cfg.BlockedIPs)
	}
	if cfg.Headers.HSTSMaxAge != 63072000 {
		t.Fatalf("hsts max age = %d", cfg.Headers.HSTSMaxAge)
	}
	// Unset keys keep their defaults.
	if cfg.Upload.MaxBytes != 10<<20 {
		t.Fatalf("upload max bytes = %d, want default", cfg.Upload.MaxBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBGUARD_ENVIRONMENT", "production")
	t.Setenv("WEBGUARD_DDOS_THRESHOLD", "250")
	t.Setenv("WEBGUARD_WEBHOOK_URL", "https://hooks.example/alerts")
	t.Setenv("WEBGUARD_BLOCKED_IPS", "203.0.113.9, 198.51.100.0/24")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Thresholds.DDoSThreshold != 250 {
		t.Fatalf("ddos threshold = %d", cfg.Thresholds.DDoSThreshold)
	}
	if !cfg.Alerts.EnableWebhook || cfg.Alerts.WebhookURL != "https://hooks.example/alerts" {
		t.Fatalf("webhook override not applied: %+v", cfg.Alerts)
	}
	if len(cfg.BlockedIPs) != 2 || cfg.BlockedIPs[1] != "198.51.100.0/24" {
		t.Fatalf("blocked ips = %v", cfg.BlockedIPs)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Environment = "staging" },
		func(c *Config) { c.Thresholds.DDoSThreshold = 0 },
		func(c *Config) { c.Thresholds.BruteForceWindowSeconds = -1 },
		func(c *Config) { c.BlockedUserAgents = []string{"(unclosed"} },
		func(c *Config) { c.Alerts.EnableWebhook = true },
		func(c *Config) { c.Alerts.EnableEmail = true },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestAttackThresholdsConversion(t *testing.T) {
	cfg := DefaultConfig()
	th := cfg.AttackThresholds()
	if th.DDoSWindow != 60*time.Second || th.BruteForceWindow != 300*time.Second {
		t.Fatalf("windows = %v / %v", th.DDoSWindow, th.BruteForceWindow)
	}
	if th.DDoSThreshold != 1000 || th.BruteForceThreshold != 20 {
		t.Fatalf("thresholds = %d / %d", th.DDoSThreshold, th.BruteForceThreshold)
	}
}
