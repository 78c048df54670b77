package webguard

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricBlockedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_blocked_requests_total",
		Help: "Requests rejected before reaching a handler, by layer and reason.",
	}, []string{"layer", "reason"})

	metricAttackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_attack_events_total",
		Help: "Attack events recorded by the detector.",
	}, []string{"type", "severity"})

	metricAlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_alerts_sent_total",
		Help: "Alert deliveries attempted, by channel and outcome.",
	}, []string{"channel", "status"})

	metricAlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webguard_alerts_suppressed_total",
		Help: "Alerts dropped by per-minute deduplication.",
	})

	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webguard_inflight_requests",
		Help: "Requests currently inside the monitored handler chain.",
	})

	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webguard_request_duration_seconds",
		Help:    "Latency of monitored requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status_class"})
)

// StartMetricsListener serves /metrics on its own listener, kept apart from
// the guarded application so scrapes never pass through the firewall chain.
// The caller owns shutdown of the returned server.
func StartMetricsListener(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	return srv
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
