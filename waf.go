package webguard

import (
	"mime/multipart"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const sampleLocalKey = "webguard_sample"

// cspReportPath is exempt from signature inspection: violation reports
// quote the blocked payload, so they trip the very patterns they report.
const cspReportPath = "/api/security/csp-report"

const maxInspectedBody = 64 * 1024

// newRequestSample copies the request fields the detector inspects. Strings
// are copied out of fiber's reused buffers so the sample stays valid for
// async logging after the handler returns.
func newRequestSample(c *fiber.Ctx) *RequestSample {
	headers := make(map[string][]string)
	for k, vals := range c.GetReqHeaders() {
		headers[k] = append([]string(nil), vals...)
	}
	return &RequestSample{
		Source:    clientIP(c),
		Method:    c.Method(),
		Path:      c.Path(),
		URL:       c.OriginalURL(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Body:      truncate(string(c.Body()), maxInspectedBody),
		Query:     c.Queries(),
		Params:    c.AllParams(),
		Headers:   headers,
	}
}

func sampleFromCtx(c *fiber.Ctx) *RequestSample {
	if sample, ok := c.Locals(sampleLocalKey).(*RequestSample); ok {
		return sample
	}
	sample := newRequestSample(c)
	c.Locals(sampleLocalKey, sample)
	return sample
}

func attackTypeFor(category PatternCategory) AttackType {
	switch category {
	case CategorySQLInjection:
		return AttackSQLInjection
	case CategoryXSS:
		return AttackXSS
	case CategoryPathTraversal:
		return AttackPathTraversal
	case CategoryCommandInjection:
		return AttackCommandInjection
	default:
		return AttackSuspiciousPattern
	}
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Firewall is the blocking layer: IP lists, scanner user-agents, attack
// signatures and upload restrictions. Rejections are generic 4xx responses
// that never echo the offending input or name the rule that fired.
func (g *Guard) Firewall() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := clientIP(c)

		g.mu.RLock()
		allowedNets := g.allowedNets
		blockedNets := g.blockedNets
		blockedAgents := g.blockedAgents
		allowedBots := g.allowedBots
		upload := g.cfg.Upload
		g.mu.RUnlock()

		// Allowlisted sources skip blocking but stay monitored downstream.
		if ipInNets(ip, allowedNets) {
			return c.Next()
		}

		if ipInNets(ip, blockedNets) {
			metricBlockedRequests.WithLabelValues("firewall", "ip").Inc()
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "access denied"})
		}

		ua := c.Get(fiber.HeaderUserAgent)
		if matchAny(blockedAgents, ua) && !matchAny(allowedBots, ua) {
			metricBlockedRequests.WithLabelValues("firewall", "user_agent").Inc()
			logger.Warn().Str("source", ip).Str("userAgent", truncate(ua, 200)).Msg("blocked scanner user-agent")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "access denied"})
		}

		if c.Path() == cspReportPath {
			return c.Next()
		}

		sample := sampleFromCtx(c)
		if category := MatchedCategory(sample.URL + "\n" + sample.Composite()); category != "" {
			g.detector.RecordBlocked(attackTypeFor(category), ip, sample.details(category))
			metricBlockedRequests.WithLabelValues("waf", string(category)).Inc()
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}

		if strings.HasPrefix(c.Get(fiber.HeaderContentType), "multipart/form-data") {
			if status := checkUploads(c, upload); status != 0 {
				metricBlockedRequests.WithLabelValues("firewall", "upload").Inc()
				return c.Status(status).JSON(fiber.Map{"error": "invalid upload"})
			}
		}

		return c.Next()
	}
}

// checkUploads validates every file part against the upload allowlist.
// Returns 0 when acceptable, otherwise the 4xx status to reject with.
func checkUploads(c *fiber.Ctx, policy UploadConfig) int {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.StatusBadRequest
	}
	for _, files := range form.File {
		for _, file := range files {
			if policy.MaxBytes > 0 && file.Size > policy.MaxBytes {
				return fiber.StatusRequestEntityTooLarge
			}
			if !uploadAllowed(file, policy.AllowedMIMETypes, policy.AllowedExtensions) {
				return fiber.StatusBadRequest
			}
		}
	}
	return 0
}

func uploadAllowed(file *multipart.FileHeader, mimeTypes, extensions []string) bool {
	if len(mimeTypes) > 0 {
		declared := file.Header.Get("Content-Type")
		ok := false
		for _, mt := range mimeTypes {
			if strings.EqualFold(declared, mt) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(file.Filename))
		ok := false
		for _, allowed := range extensions {
			if ext == strings.ToLower(allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
