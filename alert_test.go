package webguard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testEvent(t AttackType, source string, ts time.Time) AttackEvent {
	return AttackEvent{
		ID:        "test-" + string(t),
		Type:      t,
		Source:    source,
		Severity:  severityFor(t),
		Timestamp: ts,
		Details:   AttackDetails{URL: "/api/login", Method: "POST"},
	}
}

func TestDispatchDeduplicatesWithinMinute(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewAlertDispatcher(NewWebhookSender(srv.URL))
	ts := time.Date(2025, 6, 1, 12, 30, 10, 0, time.UTC)

	d.Dispatch(testEvent(AttackSQLInjection, "203.0.113.5", ts))
	d.Dispatch(testEvent(AttackSQLInjection, "203.0.113.5", ts.Add(20*time.Second)))
	d.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("webhook calls = %d, want 1 (second alert in same minute suppressed)", got)
	}

	// Next minute bucket alerts again.
	d.Dispatch(testEvent(AttackSQLInjection, "203.0.113.5", ts.Add(time.Minute)))
	d.Wait()
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("webhook calls = %d, want 2 after bucket rollover", got)
	}
}

func TestDispatchDistinguishesTypeAndSource(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewAlertDispatcher(NewWebhookSender(srv.URL))
	ts := time.Now()

	d.Dispatch(testEvent(AttackSQLInjection, "203.0.113.5", ts))
	d.Dispatch(testEvent(AttackXSS, "203.0.113.5", ts))
	d.Dispatch(testEvent(AttackSQLInjection, "203.0.113.6", ts))
	d.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("webhook calls = %d, want 3 distinct alerts", got)
	}
}

func TestWebhookPayloadShape(t *testing.T) {
	var payload Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewAlertDispatcher(NewWebhookSender(srv.URL))
	d.Dispatch(testEvent(AttackDDoS, "198.51.100.1", time.Now()))
	d.Wait()

	if payload.Event.Type != AttackDDoS {
		t.Fatalf("payload type = %q, want ddos", payload.Event.Type)
	}
	if payload.Event.Source != "198.51.100.1" {
		t.Fatalf("payload source = %q", payload.Event.Source)
	}
	if payload.Message == "" {
		t.Fatal("payload message must not be empty")
	}
}

func TestChatWebhookSendsTextField(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewChatWebhookSender(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := testEvent(AttackBruteForce, "192.0.2.9", time.Now())
	if err := s.Send(ctx, &Alert{Event: ev, Message: "m"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["text"] == "" {
		t.Fatal("chat payload must carry a text field")
	}
}

func TestDispatchFailedChannelDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewAlertDispatcher(NewWebhookSender(srv.URL))
	d.Dispatch(testEvent(AttackXSS, "192.0.2.1", time.Now()))
	d.Wait()
}

func TestDedupSetEviction(t *testing.T) {
	d := NewAlertDispatcher(&LogSender{})
	ts := time.Now()
	for i := 0; i < alertDedupCapacity+100; i++ {
		d.Dispatch(testEvent(AttackSQLInjection, fmt.Sprintf("10.0.%d.%d", i/256, i%256), ts))
	}
	d.Wait()
	if size := d.DedupSize(); size > alertDedupCapacity {
		t.Fatalf("dedup size = %d, exceeds capacity %d", size, alertDedupCapacity)
	}
}
