package webguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Guard owns the full defense chain: headers, firewall, intrusion
// monitoring, alerting and the /api/security endpoints. One Guard protects
// one fiber app.
type Guard struct {
	mu            sync.RWMutex
	cfg           *Config
	thresholds    AttackThresholds
	blockedNets   []*net.IPNet
	allowedNets   []*net.IPNet
	blockedAgents []*regexp.Regexp
	allowedBots   []*regexp.Regexp
	headers       *HeaderPolicy

	windows  WindowStore
	anomaly  *AnomalyDetector
	detector *Detector
	alerts   *AlertDispatcher
	eventLog *EventLog
	archive  *Archive

	reportOnly atomic.Bool
	metricsSrv *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

func NewGuard(cfg *Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{stop: make(chan struct{})}

	eventLog, err := NewEventLog(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	g.eventLog = eventLog

	if cfg.ArchivePath != "" {
		archive, err := NewArchive(cfg.ArchivePath)
		if err != nil {
			eventLog.Close()
			return nil, err
		}
		g.archive = archive
	}

	if cfg.RedisAddr != "" {
		store, err := NewRedisWindowStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			g.closeStores()
			return nil, err
		}
		g.windows = store
	} else {
		g.windows = NewMemoryWindowStore(0)
	}

	g.anomaly = NewAnomalyDetector()
	g.alerts = NewAlertDispatcher(buildSenders(cfg)...)
	g.detector = NewDetector(g.windows, g.anomaly, g.alerts, g.eventLog, g.archive, g.currentThresholds)
	g.apply(cfg)

	if cfg.MetricsAddr != "" {
		g.metricsSrv = StartMetricsListener(cfg.MetricsAddr)
	}

	go g.sweepLoop()

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("redis", cfg.RedisAddr != "").
		Bool("archive", cfg.ArchivePath != "").
		Msg("guard initialized")
	return g, nil
}

// buildSenders assembles the alert channels. The log channel is always
// present so an unconfigured deployment still records alerts somewhere.
func buildSenders(cfg *Config) []NotificationSender {
	senders := []NotificationSender{&LogSender{}}
	if cfg.Alerts.EnableWebhook {
		senders = append(senders, NewWebhookSender(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.EnableChat {
		senders = append(senders, NewChatWebhookSender(cfg.Alerts.ChatWebhookURL))
	}
	if cfg.Alerts.EnableEmail {
		senders = append(senders, NewEmailSender(cfg.Alerts.EmailRecipients))
	}
	return senders
}

// apply installs a validated config: compiled IP nets, user-agent regexes,
// thresholds and the header policy.
func (g *Guard) apply(cfg *Config) {
	blockedAgents := compilePatterns(cfg.BlockedUserAgents)
	allowedBots := compilePatterns(cfg.AllowedBots)

	g.mu.Lock()
	g.cfg = cfg
	g.thresholds = cfg.AttackThresholds()
	g.blockedNets = parseCIDRs(cfg.BlockedIPs)
	g.allowedNets = parseCIDRs(cfg.AllowedIPs)
	g.blockedAgents = blockedAgents
	g.allowedBots = allowedBots
	g.headers = NewHeaderPolicy(cfg, &g.reportOnly)
	g.mu.Unlock()

	g.reportOnly.Store(cfg.Headers.ReportOnly)
}

func compilePatterns(exprs []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			logger.Error().Err(err).Str("pattern", expr).Msg("skipping invalid user-agent pattern")
			continue
		}
		out = append(out, re)
	}
	return out
}

// Reload swaps in a new configuration. Window stores, log and archive keep
// their handles; only thresholds, lists and header policy change.
func (g *Guard) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("guard: reload: %w", err)
	}
	g.apply(cfg)
	logger.Info().Str("environment", cfg.Environment).Msg("guard configuration reloaded")
	return nil
}

// Attach wires the middleware chain and the security API onto the app.
// Order matters: headers first so even rejected responses carry them, then
// the blocking firewall, then the observing monitor.
func (g *Guard) Attach(app *fiber.App) {
	app.Use(func(c *fiber.Ctx) error {
		return g.headerPolicy().Handle(c)
	})
	app.Use(g.Firewall())
	app.Use(g.Monitor())
	g.RegisterAPI(app)
}

func (g *Guard) headerPolicy() *HeaderPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.headers
}

func (g *Guard) currentThresholds() AttackThresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.thresholds
}

// Config returns the active configuration.
func (g *Guard) Config() *Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Detector exposes the attack detector, mainly for embedding applications
// that want to query events directly.
func (g *Guard) Detector() *Detector {
	return g.detector
}

// sweepLoop is the background housekeeping tick: idle-source eviction,
// event-list pruning, and the request-rate anomaly baseline.
func (g *Guard) sweepLoop() {
	g.mu.RLock()
	interval := time.Duration(g.cfg.SweepIntervalSeconds) * time.Second
	g.mu.RUnlock()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.mu.RLock()
			sourceTTL := time.Duration(g.cfg.SourceTTLSeconds) * time.Second
			g.mu.RUnlock()
			if sourceTTL <= 0 {
				sourceTTL = 30 * time.Minute
			}

			removed := g.windows.Sweep(sourceTTL, now)
			pruned := g.detector.PruneEvents(24 * time.Hour)
			if removed > 0 || pruned > 0 {
				logger.Info().Int("sources_removed", removed).Int("events_pruned", pruned).Msg("sweep complete")
			}

			rpm := float64(g.detector.RequestsLastMinute())
			if flagged, severity := g.anomaly.DetectAnomaly("requests_per_minute", rpm); flagged {
				logger.Warn().
					Float64("requests_per_minute", rpm).
					Str("severity", string(severity)).
					Msg("traffic anomaly detected")
				g.eventLog.Append("warn", map[string]any{
					"event":    "anomaly",
					"metric":   "requests_per_minute",
					"value":    rpm,
					"severity": string(severity),
				})
			}
			g.anomaly.UpdateBaseline("requests_per_minute", rpm)
		}
	}
}

func (g *Guard) closeStores() {
	if g.archive != nil {
		g.archive.Close()
	}
	if g.eventLog != nil {
		g.eventLog.Close()
	}
}

// Close stops background work, drains in-flight alert deliveries and
// releases storage handles.
func (g *Guard) Close() error {
	g.stopOnce.Do(func() { close(g.stop) })
	g.alerts.Wait()

	if g.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if closer, ok := g.windows.(interface{ Close() error }); ok {
		closer.Close()
	}
	g.closeStores()
	return nil
}
