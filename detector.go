package webguard

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AttackType classifies a recorded attack event.
type AttackType string

const (
	AttackSQLInjection      AttackType = "sql_injection"
	AttackXSS               AttackType = "xss"
	AttackBruteForce        AttackType = "brute_force"
	AttackDDoS              AttackType = "ddos"
	AttackPathTraversal     AttackType = "path_traversal"
	AttackCommandInjection  AttackType = "command_injection"
	AttackSuspiciousPattern AttackType = "suspicious_pattern"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// command_injection is rated high alongside sql_injection and xss: a shell
// escape is at least as damaging as either.
var severityByType = map[AttackType]Severity{
	AttackSQLInjection:      SeverityHigh,
	AttackXSS:               SeverityHigh,
	AttackBruteForce:        SeverityMedium,
	AttackDDoS:              SeverityHigh,
	AttackPathTraversal:     SeverityMedium,
	AttackCommandInjection:  SeverityHigh,
	AttackSuspiciousPattern: SeverityLow,
}

func severityFor(t AttackType) Severity {
	if s, ok := severityByType[t]; ok {
		return s
	}
	return SeverityLow
}

// AttackDetails carries the request context that actually gets used
// downstream, as concrete fields rather than an open map.
type AttackDetails struct {
	URL             string          `json:"url,omitempty"`
	Method          string          `json:"method,omitempty"`
	UserAgent       string          `json:"userAgent,omitempty"`
	MatchedCategory PatternCategory `json:"matchedCategory,omitempty"`
	RequestCount    int             `json:"requestCount,omitempty"`
	WindowSeconds   int             `json:"windowSeconds,omitempty"`
}

// AttackEvent is immutable once created: appended to the in-memory list,
// written to the event log and archive, never mutated.
type AttackEvent struct {
	ID        string        `json:"id"`
	Type      AttackType    `json:"type"`
	Source    string        `json:"source"`
	Details   AttackDetails `json:"details"`
	Severity  Severity      `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}

// AttackThresholds are the live window/threshold settings; the Detector
// re-reads them per evaluation so config reloads take effect immediately.
type AttackThresholds struct {
	DDoSWindow          time.Duration
	DDoSThreshold       int
	BruteForceWindow    time.Duration
	BruteForceThreshold int
}

// AttackerCount is one row of a top-attackers ranking.
type AttackerCount struct {
	Source string `db:"source" json:"source"`
	Count  int    `db:"attack_count" json:"count"`
}

// RequestSample is the request-derived input the detector inspects. The
// middleware layer builds it once per request.
type RequestSample struct {
	Source    string
	Method    string
	Path      string
	URL       string
	UserAgent string
	Body      string
	Query     map[string]string
	Params    map[string]string
	Headers   map[string][]string

	compositeOnce sync.Once
	compositeText string
}

// Composite serializes body, query, params and headers into the single text
// blob the signature regexes run against. Built lazily and cached.
func (s *RequestSample) Composite() string {
	s.compositeOnce.Do(func() {
		var b strings.Builder
		b.WriteString(s.Body)
		for k, v := range s.Query {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
		for k, v := range s.Params {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
		for k, vals := range s.Headers {
			b.WriteByte('\n')
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(strings.Join(vals, ","))
		}
		s.compositeText = b.String()
	})
	return s.compositeText
}

func (s *RequestSample) details(category PatternCategory) AttackDetails {
	return AttackDetails{
		URL:             s.URL,
		Method:          s.Method,
		UserAgent:       s.UserAgent,
		MatchedCategory: category,
	}
}

// Detector composes the pattern matcher and the sliding windows into named
// attack classifications, records events and fans alerts out. It never
// blocks a request itself; the firewall layer decides rejection.
type Detector struct {
	windows    WindowStore
	global     *MemoryWindowStore
	anomaly    *AnomalyDetector
	alerts     *AlertDispatcher
	eventLog   *EventLog
	archive    *Archive
	thresholds func() AttackThresholds

	mu        sync.Mutex
	events    []AttackEvent
	maxEvents int
}

const globalRateKey = "all"

func NewDetector(windows WindowStore, anomaly *AnomalyDetector, alerts *AlertDispatcher, eventLog *EventLog, archive *Archive, thresholds func() AttackThresholds) *Detector {
	return &Detector{
		windows:    windows,
		global:     NewMemoryWindowStore(0),
		anomaly:    anomaly,
		alerts:     alerts,
		eventLog:   eventLog,
		archive:    archive,
		thresholds: thresholds,
		maxEvents:  10000,
	}
}

// EvaluateRequest runs the per-request classification pipeline in its fixed
// order. A request can trigger several classifications. Internal failures
// are swallowed after logging: detection is advisory and must never take
// the protected application down with it.
func (d *Detector) EvaluateRequest(sample *RequestSample) (events []AttackEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("source", sample.Source).Msgf("detector: evaluation panic suppressed: %v", r)
			events = nil
		}
	}()

	now := time.Now()
	composite := sample.Composite()

	if MatchesPattern(composite, CategorySQLInjection) {
		events = append(events, d.record(AttackSQLInjection, sample.Source, sample.details(CategorySQLInjection)))
	}
	if MatchesPattern(composite, CategoryXSS) {
		events = append(events, d.record(AttackXSS, sample.Source, sample.details(CategoryXSS)))
	}
	if MatchesPattern(sample.Path, CategoryPathTraversal) {
		events = append(events, d.record(AttackPathTraversal, sample.Source, sample.details(CategoryPathTraversal)))
	}
	if MatchesPattern(composite, CategoryCommandInjection) {
		events = append(events, d.record(AttackCommandInjection, sample.Source, sample.details(CategoryCommandInjection)))
	}
	for _, category := range []PatternCategory{CategoryLDAPInjection, CategoryXMLInjection} {
		if MatchesPattern(composite, category) {
			events = append(events, d.record(AttackSuspiciousPattern, sample.Source, sample.details(category)))
		}
	}

	th := d.thresholds()
	if err := d.windows.Record(sample.Source, WindowRequests, now); err != nil {
		logger.Error().Err(err).Str("source", sample.Source).Msg("detector: request window record failed")
		return events
	}
	count, err := d.windows.PruneAndCount(sample.Source, WindowRequests, th.DDoSWindow, now)
	if err != nil {
		logger.Error().Err(err).Str("source", sample.Source).Msg("detector: request window count failed")
		return events
	}
	if count >= th.DDoSThreshold {
		details := sample.details("")
		details.RequestCount = count
		details.WindowSeconds = int(th.DDoSWindow.Seconds())
		events = append(events, d.record(AttackDDoS, sample.Source, details))
	}
	return events
}

// ObserveResponse runs after the handler finishes. Status 401 feeds the
// brute-force window; every response feeds the global rate/error windows
// used by the dashboard and the anomaly baseline.
func (d *Detector) ObserveResponse(sample *RequestSample, status int) (events []AttackEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("source", sample.Source).Msgf("detector: response observation panic suppressed: %v", r)
			events = nil
		}
	}()

	now := time.Now()
	d.global.Record(globalRateKey, WindowRequests, now)
	if status >= 400 {
		d.global.Record(globalRateKey, WindowFailures, now)
	}

	if status != 401 {
		return nil
	}

	th := d.thresholds()
	if err := d.windows.Record(sample.Source, WindowFailures, now); err != nil {
		logger.Error().Err(err).Str("source", sample.Source).Msg("detector: failure window record failed")
		return nil
	}
	count, err := d.windows.PruneAndCount(sample.Source, WindowFailures, th.BruteForceWindow, now)
	if err != nil {
		logger.Error().Err(err).Str("source", sample.Source).Msg("detector: failure window count failed")
		return nil
	}
	if count >= th.BruteForceThreshold {
		details := sample.details("")
		details.RequestCount = count
		details.WindowSeconds = int(th.BruteForceWindow.Seconds())
		events = append(events, d.record(AttackBruteForce, sample.Source, details))
	}
	return events
}

// RecordBlocked lets the firewall layer register a pattern match it is
// about to reject, so blocked and observed attacks land in the same event
// stream.
func (d *Detector) RecordBlocked(t AttackType, source string, details AttackDetails) AttackEvent {
	return d.record(t, source, details)
}

func (d *Detector) record(t AttackType, source string, details AttackDetails) AttackEvent {
	ev := AttackEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Details:   details,
		Severity:  severityFor(t),
		Timestamp: time.Now(),
	}

	d.mu.Lock()
	d.events = append(d.events, ev)
	if len(d.events) > d.maxEvents {
		d.events = d.events[len(d.events)-d.maxEvents:]
	}
	d.mu.Unlock()

	metricAttackEvents.WithLabelValues(string(t), string(ev.Severity)).Inc()
	logger.Warn().
		Str("attack", string(t)).
		Str("source", source).
		Str("severity", string(ev.Severity)).
		Str("url", details.URL).
		Msg("attack detected")

	// Log, archive and alert delivery are all best-effort and must not add
	// latency to the request that triggered them.
	if d.eventLog != nil {
		go d.eventLog.Append("warn", map[string]any{
			"event":     "attack",
			"id":        ev.ID,
			"type":      string(t),
			"source":    source,
			"severity":  string(ev.Severity),
			"url":       details.URL,
			"method":    details.Method,
			"userAgent": details.UserAgent,
			"category":  string(details.MatchedCategory),
		})
	}
	if d.archive != nil {
		go func() {
			if err := d.archive.Insert(ev); err != nil {
				logger.Error().Err(err).Str("id", ev.ID).Msg("detector: archive insert failed")
			}
		}()
	}
	if d.alerts != nil {
		d.alerts.Dispatch(ev)
	}
	return ev
}

// EventsSince returns the retained events recorded at or after since.
func (d *Detector) EventsSince(since time.Time) []AttackEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []AttackEvent
	for _, ev := range d.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

// TopAttackers ranks sources by attack count over the retained events.
func (d *Detector) TopAttackers(since time.Time, limit int) []AttackerCount {
	counts := make(map[string]int)
	for _, ev := range d.EventsSince(since) {
		counts[ev.Source]++
	}
	ranked := make([]AttackerCount, 0, len(counts))
	for source, n := range counts {
		ranked = append(ranked, AttackerCount{Source: source, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Source < ranked[j].Source
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// PruneEvents discards retained events older than maxAge and returns how
// many were dropped. The archive keeps the durable copy.
func (d *Detector) PruneEvents(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := 0
	for idx < len(d.events) && d.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		d.events = d.events[idx:]
	}
	return idx
}

// RequestsLastMinute reports the global request count over the past minute,
// the metric the periodic anomaly baseline is fed with.
func (d *Detector) RequestsLastMinute() int {
	count, _ := d.global.PruneAndCount(globalRateKey, WindowRequests, time.Minute, time.Now())
	return count
}

// ErrorRate returns the share of 4xx/5xx responses over the given window.
func (d *Detector) ErrorRate(window time.Duration) float64 {
	now := time.Now()
	requests, _ := d.global.PruneAndCount(globalRateKey, WindowRequests, window, now)
	if requests == 0 {
		return 0
	}
	failures, _ := d.global.PruneAndCount(globalRateKey, WindowFailures, window, now)
	return float64(failures) / float64(requests)
}
