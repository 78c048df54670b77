package webguard

import (
	"context"
	"time"
)

// WindowKind selects which per-source timeline a WindowStore operation
// touches.
type WindowKind int

const (
	WindowRequests WindowKind = iota
	WindowFailures
)

func (k WindowKind) String() string {
	if k == WindowFailures {
		return "failures"
	}
	return "requests"
}

// WindowStore is the pluggable backend for per-source sliding windows.
// Implementations must serialize Record and PruneAndCount for the same
// source so two in-flight requests from one IP cannot lose updates.
type WindowStore interface {
	// Record appends one event timestamp to the source's window.
	Record(source string, kind WindowKind, ts time.Time) error

	// PruneAndCount discards entries older than now-window and returns the
	// remaining count. The mutation is part of the contract, not an
	// implementation detail.
	PruneAndCount(source string, kind WindowKind, window time.Duration, now time.Time) (int, error)

	// Sources returns how many distinct sources currently have state.
	Sources() int

	// TotalRequests returns the number of request events recorded over the
	// store's lifetime.
	TotalRequests() int64

	// Sweep drops sources idle for longer than idleFor and returns how many
	// were removed.
	Sweep(idleFor time.Duration, now time.Time) int

	HealthCheck() error
}

// NotificationSender delivers one alert over a single channel. Send is
// called off the request path with a bounded context; failures are logged
// by the dispatcher and never propagate further.
type NotificationSender interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}
