package webguard

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterAPI mounts the security endpoints under /api/security.
func (g *Guard) RegisterAPI(app *fiber.App) {
	api := app.Group("/api/security")
	api.Post("/csp-report", g.handleCSPReport)
	api.Get("/config", g.handleConfig)
	api.Get("/audit", g.handleAudit)
	api.Get("/test", g.handleTest)
	api.Post("/csp/toggle-report-only", g.handleToggleReportOnly)
	api.Get("/ids/dashboard", g.handleDashboard)
}

// handleCSPReport is a telemetry sink for browser violation reports. It
// acknowledges unconditionally; a malformed body is logged raw rather than
// rejected, since the reporter is a browser we do not control.
func (g *Guard) handleCSPReport(c *fiber.Ctx) error {
	fields := map[string]any{
		"event":  "csp_report",
		"source": clientIP(c),
	}
	var report map[string]any
	if err := json.Unmarshal(c.Body(), &report); err == nil {
		fields["report"] = report
	} else {
		fields["raw"] = truncate(string(c.Body()), 4096)
	}
	g.eventLog.Append("info", fields)
	return c.JSON(fiber.Map{"status": "received"})
}

// handleConfig returns a redacted view: booleans and counts only, never
// URLs, recipients or list contents.
func (g *Guard) handleConfig(c *fiber.Ctx) error {
	cfg := g.Config()
	return c.JSON(fiber.Map{
		"environment":   cfg.Environment,
		"cspReportOnly": g.reportOnly.Load(),
		"hsts": fiber.Map{
			"maxAge":            cfg.Headers.HSTSMaxAge,
			"includeSubdomains": cfg.Headers.HSTSIncludeSubdomains,
			"preload":           cfg.Headers.HSTSPreload,
		},
		"thresholds": fiber.Map{
			"ddosWindowSeconds":       cfg.Thresholds.DDoSWindowSeconds,
			"ddosThreshold":           cfg.Thresholds.DDoSThreshold,
			"bruteForceWindowSeconds": cfg.Thresholds.BruteForceWindowSeconds,
			"bruteForceThreshold":     cfg.Thresholds.BruteForceThreshold,
		},
		"alerts": fiber.Map{
			"webhook": cfg.Alerts.EnableWebhook,
			"chat":    cfg.Alerts.EnableChat,
			"email":   cfg.Alerts.EnableEmail,
		},
		"blockedIPs":        len(cfg.BlockedIPs),
		"allowedIPs":        len(cfg.AllowedIPs),
		"blockedUserAgents": len(cfg.BlockedUserAgents),
		"allowedBots":       len(cfg.AllowedBots),
		"connectSources":    len(cfg.Headers.ConnectSources),
	})
}

// handleAudit scores the headers already set on this response by the
// middleware chain.
func (g *Guard) handleAudit(c *fiber.Ctx) error {
	score, status := auditHeaders(func(name string) string {
		return string(c.Response().Header.Peek(name))
	})
	return c.JSON(fiber.Map{
		"score":      score,
		"compliance": complianceLevel(score),
		"headers":    status,
	})
}

// handleTest runs the individual header checks and reports pass/fail per
// check plus an aggregate.
func (g *Guard) handleTest(c *fiber.Ctx) error {
	get := func(name string) string {
		return string(c.Response().Header.Peek(name))
	}
	csp := get("Content-Security-Policy")
	if csp == "" {
		csp = get("Content-Security-Policy-Report-Only")
	}
	frame := get("X-Frame-Options")

	checks := []struct {
		name   string
		passed bool
		value  string
	}{
		{"xss_filter", get("X-XSS-Protection") != "", get("X-XSS-Protection")},
		{"frame_options", frame == "DENY" || frame == "SAMEORIGIN", frame},
		{"content_type_sniffing", get("X-Content-Type-Options") == "nosniff", get("X-Content-Type-Options")},
		{"hsts", len(get("Strict-Transport-Security")) > 0, get("Strict-Transport-Security")},
		{"csp", csp != "", truncate(csp, 200)},
	}

	results := make(fiber.Map, len(checks))
	passed := 0
	for _, check := range checks {
		results[check.name] = fiber.Map{"passed": check.passed, "value": check.value}
		if check.passed {
			passed++
		}
	}
	score := passed * 100 / len(checks)
	return c.JSON(fiber.Map{
		"checks": results,
		"score":  score,
		"passed": passed == len(checks),
	})
}

// handleToggleReportOnly flips CSP between enforcing and report-only. The
// body must be {"reportOnly": <boolean>}; anything else is a client error.
func (g *Guard) handleToggleReportOnly(c *fiber.Ctx) error {
	var payload struct {
		ReportOnly *bool `json:"reportOnly"`
	}
	if err := json.Unmarshal(c.Body(), &payload); err != nil || payload.ReportOnly == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "reportOnly must be a boolean"})
	}
	g.reportOnly.Store(*payload.ReportOnly)
	logger.Info().Bool("reportOnly", *payload.ReportOnly).Msg("csp report-only toggled")
	return c.JSON(fiber.Map{"reportOnly": *payload.ReportOnly})
}

// handleDashboard is the operator view: traffic totals, last-hour attack
// and anomaly counts, error rate and the top attackers.
func (g *Guard) handleDashboard(c *fiber.Ctx) error {
	since := time.Now().Add(-time.Hour)
	cfg := g.Config()
	return c.JSON(fiber.Map{
		"totalRequests":     g.windows.TotalRequests(),
		"uniqueSources":     g.windows.Sources(),
		"attacksLastHour":   len(g.detector.EventsSince(since)),
		"anomaliesLastHour": len(g.anomaly.History(since)),
		"errorRate":         g.detector.ErrorRate(time.Hour),
		"topAttackers":      g.detector.TopAttackers(since, 10),
		"config": fiber.Map{
			"environment":             cfg.Environment,
			"ddosThreshold":           cfg.Thresholds.DDoSThreshold,
			"ddosWindowSeconds":       cfg.Thresholds.DDoSWindowSeconds,
			"bruteForceThreshold":     cfg.Thresholds.BruteForceThreshold,
			"bruteForceWindowSeconds": cfg.Thresholds.BruteForceWindowSeconds,
		},
	})
}
