package webguard

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newTestGuard(t *testing.T, mutate func(*Config)) (*Guard, *fiber.App) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	g, err := NewGuard(cfg)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	app := fiber.New()
	g.Attach(app)
	app.Get("/api/products", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return g, app
}

func TestFirewallPassesCleanRequest(t *testing.T) {
	_, app := newTestGuard(t, nil)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/products?page=1", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFirewallBlocksListedIP(t *testing.T) {
	_, app := newTestGuard(t, func(cfg *Config) {
		cfg.BlockedIPs = []string{"203.0.113.9"}
	})
	req := httptest.NewRequest("GET", "/api/products", nil)
	req.Header.Set("X-Real-IP", "203.0.113.9")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFirewallBlocksCIDRRange(t *testing.T) {
	_, app := newTestGuard(t, func(cfg *Config) {
		cfg.BlockedIPs = []string{"198.51.100.0/24"}
	})
	req := httptest.NewRequest("GET", "/api/products", nil)
	req.Header.Set("X-Real-IP", "198.51.100.77")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAllowlistSkipsBlocking(t *testing.T) {
	_, app := newTestGuard(t, func(cfg *Config) {
		cfg.BlockedIPs = []string{"203.0.113.9"}
		cfg.AllowedIPs = []string{"203.0.113.9"}
	})
	req := httptest.NewRequest("GET", "/api/products", nil)
	req.Header.Set("X-Real-IP", "203.0.113.9")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200 for allowlisted source", resp.StatusCode)
	}
}

func TestFirewallBlocksScannerUserAgent(t *testing.T) {
	_, app := newTestGuard(t, nil)
	req := httptest.NewRequest("GET", "/api/products", nil)
	req.Header.Set("User-Agent", "sqlmap/1.7.2#stable")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFirewallAllowsKnownBots(t *testing.T) {
	_, app := newTestGuard(t, func(cfg *Config) {
		cfg.BlockedUserAgents = append(cfg.BlockedUserAgents, `(?i)bot`)
	})
	req := httptest.NewRequest("GET", "/api/products", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1)")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200 for allowed bot", resp.StatusCode)
	}
}

func TestFirewallBlocksInjectionAndRecordsEvent(t *testing.T) {
	g, app := newTestGuard(t, nil)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/products?q=%27%20OR%20%271%27%3D%271", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var found bool
	for _, ev := range g.Detector().EventsSince(sinceAlways()) {
		if ev.Type == AttackSQLInjection {
			found = true
		}
	}
	if !found {
		t.Fatal("blocked request must land in the attack event stream")
	}
}

func TestFirewallGenericErrorBody(t *testing.T) {
	_, app := newTestGuard(t, nil)
	resp, _ := app.Test(httptest.NewRequest("GET", "/api/products?q=%3Cscript%3Ealert(1)%3C/script%3E", nil))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := readBody(t, resp)
	if containsAny(body, "script", "alert", "xss", "pattern") {
		t.Fatalf("rejection body leaks detail: %q", body)
	}
}
