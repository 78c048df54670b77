package webguard

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/blake2b"
)

const (
	alertDedupCapacity = 1000
	alertSendTimeout   = 5 * time.Second
)

// Alert is the payload handed to every configured channel.
type Alert struct {
	Event   AttackEvent `json:"event"`
	Message string      `json:"message"`
}

// AlertDispatcher fans attack events out to the configured channels,
// suppressing repeats of the same (type, source) pair within a one-minute
// bucket. Suppression applies to outbound notifications only; event
// creation and logging are untouched.
type AlertDispatcher struct {
	mu      sync.Mutex
	sent    map[string]struct{}
	order   []string
	senders []NotificationSender
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAlertDispatcher(senders ...NotificationSender) *AlertDispatcher {
	return &AlertDispatcher{
		sent:    make(map[string]struct{}),
		senders: senders,
		timeout: alertSendTimeout,
	}
}

// dedupKey fingerprints (type, source, minute bucket). blake2b keeps the
// set entries small and fixed-width regardless of source string length.
func dedupKey(t AttackType, source string, ts time.Time) string {
	raw := fmt.Sprintf("%s|%s|%d", t, source, ts.Unix()/60)
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// Dispatch sends the event to every channel unless the same (type, source)
// already alerted this minute. Delivery is asynchronous; the caller never
// waits on it.
func (d *AlertDispatcher) Dispatch(event AttackEvent) {
	key := dedupKey(event.Type, event.Source, event.Timestamp)

	d.mu.Lock()
	if _, dup := d.sent[key]; dup {
		d.mu.Unlock()
		metricAlertsSuppressed.Inc()
		return
	}
	d.sent[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > alertDedupCapacity {
		// Evict the oldest half rather than churning one entry at a time.
		drop := d.order[:len(d.order)/2]
		for _, k := range drop {
			delete(d.sent, k)
		}
		d.order = append([]string(nil), d.order[len(d.order)/2:]...)
	}
	d.mu.Unlock()

	alert := &Alert{
		Event: event,
		Message: fmt.Sprintf("%s attack from %s (severity %s)",
			event.Type, event.Source, event.Severity),
	}
	for _, sender := range d.senders {
		d.wg.Add(1)
		go func(s NotificationSender) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Send(ctx, alert); err != nil {
				metricAlertsSent.WithLabelValues(s.Name(), "error").Inc()
				logger.Error().Err(err).Str("channel", s.Name()).Str("attack", string(event.Type)).Msg("alert delivery failed")
				return
			}
			metricAlertsSent.WithLabelValues(s.Name(), "ok").Inc()
		}(sender)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// by tests.
func (d *AlertDispatcher) Wait() {
	d.wg.Wait()
}

// DedupSize returns the number of fingerprints currently held.
func (d *AlertDispatcher) DedupSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func postJSON(ctx context.Context, client *fasthttp.Client, url string, body []byte) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.SetUserAgent("webguard-alert/1.0")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(alertSendTimeout)
	}
	if err := client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode())
	}
	return nil
}

// WebhookSender POSTs the raw alert JSON to a generic webhook.
type WebhookSender struct {
	URL    string
	client *fasthttp.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, client: &fasthttp.Client{}}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return postJSON(ctx, s.client, s.URL, body)
}

// ChatWebhookSender POSTs a human-readable summary in the incoming-webhook
// format chat tools expect ({"text": ...}).
type ChatWebhookSender struct {
	URL    string
	client *fasthttp.Client
}

func NewChatWebhookSender(url string) *ChatWebhookSender {
	return &ChatWebhookSender{URL: url, client: &fasthttp.Client{}}
}

func (s *ChatWebhookSender) Name() string { return "chat" }

func (s *ChatWebhookSender) Send(ctx context.Context, alert *Alert) error {
	ev := alert.Event
	text := fmt.Sprintf("Security alert: %s\nSource: %s\nSeverity: %s\nURL: %s %s\nTime: %s",
		ev.Type, ev.Source, ev.Severity, ev.Details.Method, ev.Details.URL,
		ev.Timestamp.Format(time.RFC3339))
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	return postJSON(ctx, s.client, s.URL, body)
}

// EmailSender logs the alert it would have mailed. Wiring an SMTP or
// provider API behind this stays behind the same interface.
type EmailSender struct {
	Recipients []string
}

func NewEmailSender(recipients []string) *EmailSender {
	return &EmailSender{Recipients: recipients}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, alert *Alert) error {
	if len(s.Recipients) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	logger.Info().
		Str("to", strings.Join(s.Recipients, ",")).
		Str("attack", string(alert.Event.Type)).
		Str("source", alert.Event.Source).
		Msg("email alert (delivery stubbed)")
	return nil
}

// LogSender writes the alert to the application log. Always registered so
// an unconfigured deployment still leaves a trace.
type LogSender struct{}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, alert *Alert) error {
	logger.Warn().
		Str("attack", string(alert.Event.Type)).
		Str("source", alert.Event.Source).
		Str("severity", string(alert.Event.Severity)).
		Msg(alert.Message)
	return nil
}
