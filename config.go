package webguard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// UploadConfig is the file-upload allowlist enforced by the firewall.
type UploadConfig struct {
	AllowedMIMETypes  []string `yaml:"allowed_mime_types"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxBytes          int64    `yaml:"max_bytes"`
}

// Config is the full configuration surface. Zero values are filled from
// DefaultConfig; a missing file is not an error.
type Config struct {
	Environment string `yaml:"environment"`
	MetricsAddr string `yaml:"metrics_addr"`

	Alerts struct {
		EnableWebhook   bool     `yaml:"enable_webhook"`
		WebhookURL      string   `yaml:"webhook_url"`
		EnableChat      bool     `yaml:"enable_chat"`
		ChatWebhookURL  string   `yaml:"chat_webhook_url"`
		EnableEmail     bool     `yaml:"enable_email"`
		EmailRecipients []string `yaml:"email_recipients"`
	} `yaml:"alerts"`

	Thresholds struct {
		DDoSWindowSeconds       int `yaml:"ddos_window_seconds"`
		DDoSThreshold           int `yaml:"ddos_threshold"`
		BruteForceWindowSeconds int `yaml:"brute_force_window_seconds"`
		BruteForceThreshold     int `yaml:"brute_force_threshold"`
	} `yaml:"thresholds"`

	BlockedIPs        []string `yaml:"blocked_ips"`
	AllowedIPs        []string `yaml:"allowed_ips"`
	BlockedUserAgents []string `yaml:"blocked_user_agents"`
	AllowedBots       []string `yaml:"allowed_bots"`

	Upload UploadConfig `yaml:"upload"`

	Headers struct {
		HSTSMaxAge            int      `yaml:"hsts_max_age"`
		HSTSIncludeSubdomains bool     `yaml:"hsts_include_subdomains"`
		HSTSPreload           bool     `yaml:"hsts_preload"`
		ConnectSources        []string `yaml:"connect_sources"`
		ReportOnly            bool     `yaml:"report_only"`
	} `yaml:"headers"`

	LogDir      string `yaml:"log_dir"`
	ArchivePath string `yaml:"archive_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SourceTTLSeconds     int `yaml:"source_ttl_seconds"`
}

func DefaultConfig() *Config {
	cfg := &Config{
		Environment: "development",
		LogDir:      "logs/security",
	}
	cfg.Thresholds.DDoSWindowSeconds = 60
	cfg.Thresholds.DDoSThreshold = 1000
	cfg.Thresholds.BruteForceWindowSeconds = 300
	cfg.Thresholds.BruteForceThreshold = 20
	cfg.Upload.AllowedMIMETypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "application/pdf"}
	cfg.Upload.AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".pdf"}
	cfg.Upload.MaxBytes = 10 << 20
	cfg.Headers.HSTSMaxAge = 31536000
	cfg.Headers.HSTSIncludeSubdomains = true
	cfg.Headers.HSTSPreload = true
	cfg.BlockedUserAgents = []string{
		`(?i)sqlmap`, `(?i)nikto`, `(?i)nessus`, `(?i)masscan`, `(?i)nmap`,
		`(?i)dirbuster`, `(?i)gobuster`, `(?i)wpscan`, `(?i)hydra`,
	}
	cfg.AllowedBots = []string{
		`(?i)googlebot`, `(?i)bingbot`, `(?i)duckduckbot`, `(?i)slurp`,
	}
	cfg.SweepIntervalSeconds = 60
	cfg.SourceTTLSeconds = 1800
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// WEBGUARD_* environment overrides. An empty path or missing file yields the
// defaults plus overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEBGUARD_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("WEBGUARD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("WEBGUARD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
		cfg.Alerts.EnableWebhook = true
	}
	if v := os.Getenv("WEBGUARD_CHAT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.ChatWebhookURL = v
		cfg.Alerts.EnableChat = true
	}
	if v := os.Getenv("WEBGUARD_EMAIL_RECIPIENTS"); v != "" {
		cfg.Alerts.EmailRecipients = splitList(v)
		cfg.Alerts.EnableEmail = true
	}
	if v := os.Getenv("WEBGUARD_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("WEBGUARD_ARCHIVE_PATH"); v != "" {
		cfg.ArchivePath = v
	}
	if v := os.Getenv("WEBGUARD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("WEBGUARD_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("WEBGUARD_BLOCKED_IPS"); v != "" {
		cfg.BlockedIPs = splitList(v)
	}
	if v := os.Getenv("WEBGUARD_ALLOWED_IPS"); v != "" {
		cfg.AllowedIPs = splitList(v)
	}
	envInt("WEBGUARD_DDOS_WINDOW_SECONDS", &cfg.Thresholds.DDoSWindowSeconds)
	envInt("WEBGUARD_DDOS_THRESHOLD", &cfg.Thresholds.DDoSThreshold)
	envInt("WEBGUARD_BRUTE_FORCE_WINDOW_SECONDS", &cfg.Thresholds.BruteForceWindowSeconds)
	envInt("WEBGUARD_BRUTE_FORCE_THRESHOLD", &cfg.Thresholds.BruteForceThreshold)
	envInt("WEBGUARD_REDIS_DB", &cfg.RedisDB)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("config: environment must be development or production, got %q", c.Environment)
	}
	if c.Thresholds.DDoSWindowSeconds <= 0 || c.Thresholds.DDoSThreshold <= 0 {
		return fmt.Errorf("config: ddos window and threshold must be positive")
	}
	if c.Thresholds.BruteForceWindowSeconds <= 0 || c.Thresholds.BruteForceThreshold <= 0 {
		return fmt.Errorf("config: brute force window and threshold must be positive")
	}
	if c.Upload.MaxBytes < 0 {
		return fmt.Errorf("config: upload max_bytes must not be negative")
	}
	if c.Headers.HSTSMaxAge < 0 {
		return fmt.Errorf("config: hsts max_age must not be negative")
	}
	for _, expr := range append(append([]string{}, c.BlockedUserAgents...), c.AllowedBots...) {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("config: invalid user-agent pattern %q: %w", expr, err)
		}
	}
	if c.Alerts.EnableWebhook && c.Alerts.WebhookURL == "" {
		return fmt.Errorf("config: webhook alerts enabled without webhook_url")
	}
	if c.Alerts.EnableChat && c.Alerts.ChatWebhookURL == "" {
		return fmt.Errorf("config: chat alerts enabled without chat_webhook_url")
	}
	if c.Alerts.EnableEmail && len(c.Alerts.EmailRecipients) == 0 {
		return fmt.Errorf("config: email alerts enabled without recipients")
	}
	return nil
}

// AttackThresholds converts the configured window seconds to durations.
func (c *Config) AttackThresholds() AttackThresholds {
	return AttackThresholds{
		DDoSWindow:          time.Duration(c.Thresholds.DDoSWindowSeconds) * time.Second,
		DDoSThreshold:       c.Thresholds.DDoSThreshold,
		BruteForceWindow:    time.Duration(c.Thresholds.BruteForceWindowSeconds) * time.Second,
		BruteForceThreshold: c.Thresholds.BruteForceThreshold,
	}
}

// WatchConfig reloads the file on every write and hands the parsed result to
// onChange. Editors replace files rather than writing in place, so the
// parent directory is watched and events filtered by name. A file that fails
// to parse or validate keeps the previous configuration.
func WatchConfig(path string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	base := filepath.Base(path)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Error().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				logger.Info().Str("path", path).Msg("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("config watcher error")
			}
		}
	}()
	return watcher, nil
}
