package webguard

import (
	"math/rand"
	"testing"
	"time"
)

func TestMemoryWindowStorePruneAndCount(t *testing.T) {
	store := NewMemoryWindowStore(0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Monotonic random gaps over a two minute span, counted against an
	// independently computed reference.
	rng := rand.New(rand.NewSource(42))
	var stamps []time.Time
	ts := base
	for i := 0; i < 500; i++ {
		ts = ts.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		stamps = append(stamps, ts)
		if err := store.Record("198.51.100.7", WindowRequests, ts); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	now := base.Add(2 * time.Minute)
	window := time.Minute
	cutoff := now.Add(-window)

	want := 0
	for _, s := range stamps {
		if !s.Before(cutoff) {
			want++
		}
	}

	got, err := store.PruneAndCount("198.51.100.7", WindowRequests, window, now)
	if err != nil {
		t.Fatalf("prune and count: %v", err)
	}
	if got != want {
		t.Fatalf("count = %d, want %d", got, want)
	}

	// Counting again must be stable: pruning is idempotent for a fixed now.
	again, _ := store.PruneAndCount("198.51.100.7", WindowRequests, window, now)
	if again != got {
		t.Fatalf("second count = %d, want %d", again, got)
	}
}

func TestMemoryWindowStoreKindsAreIndependent(t *testing.T) {
	store := NewMemoryWindowStore(0)
	now := time.Now()

	store.Record("10.0.0.1", WindowRequests, now)
	store.Record("10.0.0.1", WindowRequests, now)
	store.Record("10.0.0.1", WindowFailures, now)

	reqs, _ := store.PruneAndCount("10.0.0.1", WindowRequests, time.Minute, now)
	fails, _ := store.PruneAndCount("10.0.0.1", WindowFailures, time.Minute, now)
	if reqs != 2 || fails != 1 {
		t.Fatalf("requests=%d failures=%d, want 2 and 1", reqs, fails)
	}
	if store.TotalRequests() != 2 {
		t.Fatalf("total requests = %d, want 2", store.TotalRequests())
	}
}

func TestMemoryWindowStoreUnknownSource(t *testing.T) {
	store := NewMemoryWindowStore(0)
	count, err := store.PruneAndCount("203.0.113.1", WindowRequests, time.Minute, time.Now())
	if err != nil || count != 0 {
		t.Fatalf("count=%d err=%v, want 0 and nil", count, err)
	}
}

func TestMemoryWindowStoreSweep(t *testing.T) {
	store := NewMemoryWindowStore(0)
	base := time.Now()

	store.Record("10.0.0.1", WindowRequests, base.Add(-time.Hour))
	store.Record("10.0.0.2", WindowRequests, base)

	removed := store.Sweep(30*time.Minute, base)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if store.Sources() != 1 {
		t.Fatalf("sources = %d, want 1", store.Sources())
	}
}

func TestMemoryWindowStoreCapsEntries(t *testing.T) {
	store := NewMemoryWindowStore(10)
	now := time.Now()
	for i := 0; i < 100; i++ {
		store.Record("10.0.0.1", WindowRequests, now)
	}
	count, _ := store.PruneAndCount("10.0.0.1", WindowRequests, time.Minute, now)
	if count != 10 {
		t.Fatalf("count = %d, want capped 10", count)
	}
}
