package webguard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
)

const nonceLocalKey = "webguard_csp_nonce"

// HeaderPolicy composes the security header set applied to every response.
// Development keeps inline/eval and localhost websockets usable; production
// switches to nonce-only script/style sources and the cross-origin isolation
// headers.
type HeaderPolicy struct {
	environment           string
	hstsMaxAge            int
	hstsIncludeSubdomains bool
	hstsPreload           bool
	connectSources        []string
	reportOnly            *atomic.Bool
}

func NewHeaderPolicy(cfg *Config, reportOnly *atomic.Bool) *HeaderPolicy {
	return &HeaderPolicy{
		environment:           cfg.Environment,
		hstsMaxAge:            cfg.Headers.HSTSMaxAge,
		hstsIncludeSubdomains: cfg.Headers.HSTSIncludeSubdomains,
		hstsPreload:           cfg.Headers.HSTSPreload,
		connectSources:        cfg.Headers.ConnectSources,
		reportOnly:            reportOnly,
	}
}

func (p *HeaderPolicy) development() bool {
	return p.environment != "production"
}

// CSPNonce returns the nonce generated for this request, empty if the
// header middleware did not run or fell back to the baseline policy.
func CSPNonce(c *fiber.Ctx) string {
	nonce, _ := c.Locals(nonceLocalKey).(string)
	return nonce
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Middleware adapts Handle to a fiber handler.
func (p *HeaderPolicy) Middleware() fiber.Handler {
	return p.Handle
}

// Handle sets the full header set before the handler runs and strips
// identifying headers after it. A nonce failure falls back to the safe
// baseline; it never fails the request.
func (p *HeaderPolicy) Handle(c *fiber.Ctx) error {
	nonce, err := newNonce()
	if err != nil {
		logger.Error().Err(err).Msg("nonce generation failed, applying baseline headers")
		p.setBaseline(c)
	} else {
		c.Locals(nonceLocalKey, nonce)
		p.setHeaders(c, nonce)
	}

	handlerErr := c.Next()

	c.Response().Header.Del(fiber.HeaderXPoweredBy)
	c.Response().Header.Del(fiber.HeaderServer)
	return handlerErr
}

func (p *HeaderPolicy) setHeaders(c *fiber.Ctx, nonce string) {
	cspHeader := "Content-Security-Policy"
	if p.reportOnly != nil && p.reportOnly.Load() {
		cspHeader = "Content-Security-Policy-Report-Only"
	}
	c.Set(cspHeader, p.buildCSP(nonce))

	c.Set("Strict-Transport-Security", p.buildHSTS())
	c.Set("X-Frame-Options", "DENY")
	c.Set("X-Content-Type-Options", "nosniff")
	c.Set("X-XSS-Protection", "1; mode=block")
	c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	c.Set("Permissions-Policy",
		"camera=(), microphone=(), geolocation=(), usb=(), magnetometer=(), payment=(self), fullscreen=(self)")

	if !p.development() {
		c.Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Set("Cross-Origin-Resource-Policy", "same-origin")
		c.Set("Cross-Origin-Embedder-Policy", "require-corp")
	}
}

// setBaseline is the helmet-style default applied when nonce generation
// fails. No nonce directives, no inline allowances.
func (p *HeaderPolicy) setBaseline(c *fiber.Ctx) {
	c.Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; frame-ancestors 'none'; base-uri 'self'")
	c.Set("Strict-Transport-Security", p.buildHSTS())
	c.Set("X-Frame-Options", "DENY")
	c.Set("X-Content-Type-Options", "nosniff")
	c.Set("X-XSS-Protection", "1; mode=block")
	c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func (p *HeaderPolicy) buildCSP(nonce string) string {
	scriptSrc := []string{"'self'", "'nonce-" + nonce + "'"}
	styleSrc := []string{"'self'", "'nonce-" + nonce + "'"}
	connectSrc := []string{"'self'"}

	if p.development() {
		scriptSrc = append(scriptSrc, "'unsafe-inline'", "'unsafe-eval'")
		styleSrc = append(styleSrc, "'unsafe-inline'")
		connectSrc = append(connectSrc, "ws://localhost:*", "http://localhost:*")
	} else {
		connectSrc = append(connectSrc, p.connectSources...)
	}

	directives := []string{
		"default-src 'self'",
		"script-src " + strings.Join(scriptSrc, " "),
		"style-src " + strings.Join(styleSrc, " "),
		"img-src 'self' data: https:",
		"font-src 'self' data:",
		"connect-src " + strings.Join(connectSrc, " "),
		"object-src 'none'",
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
		"report-uri /api/security/csp-report",
	}
	return strings.Join(directives, "; ")
}

func (p *HeaderPolicy) buildHSTS() string {
	v := fmt.Sprintf("max-age=%d", p.hstsMaxAge)
	if p.hstsIncludeSubdomains {
		v += "; includeSubDomains"
	}
	// Preload commits the domain to browser lists; never advertise it from
	// a development build.
	if p.hstsPreload && !p.development() {
		v += "; preload"
	}
	return v
}

// requiredHeaders is the audit checklist. Compliance is the fraction of
// these present on the current response.
var requiredHeaders = []string{
	"Content-Security-Policy",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"X-XSS-Protection",
	"Referrer-Policy",
	"Permissions-Policy",
}

// auditHeaders scores the current response headers against the required
// set. A report-only CSP counts as present.
func auditHeaders(get func(string) string) (score int, status map[string]bool) {
	status = make(map[string]bool, len(requiredHeaders))
	present := 0
	for _, name := range requiredHeaders {
		ok := get(name) != ""
		if name == "Content-Security-Policy" && !ok {
			ok = get("Content-Security-Policy-Report-Only") != ""
		}
		status[name] = ok
		if ok {
			present++
		}
	}
	return present * 100 / len(requiredHeaders), status
}

func complianceLevel(score int) string {
	switch {
	case score >= 95:
		return "advanced"
	case score >= 80:
		return "basic"
	default:
		return "failing"
	}
}
