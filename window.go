package webguard

import (
	"sync"
	"time"
)

// MemoryWindowStore keeps per-source sliding windows of event timestamps in
// process memory. It is the default WindowStore; RedisWindowStore provides
// the distributed alternative.
type MemoryWindowStore struct {
	mu         sync.Mutex
	maxEntries int
	sources    map[string]*sourceWindows
	total      int64
}

type sourceWindows struct {
	requests []time.Time
	failures []time.Time
	lastSeen time.Time
}

// NewMemoryWindowStore creates an in-memory store. maxEntries caps the
// retained timestamps per (source, kind); it must comfortably exceed the
// largest configured threshold or PruneAndCount will undercount.
func NewMemoryWindowStore(maxEntries int) *MemoryWindowStore {
	if maxEntries <= 0 {
		maxEntries = 65536
	}
	return &MemoryWindowStore{
		maxEntries: maxEntries,
		sources:    make(map[string]*sourceWindows),
	}
}

func (s *MemoryWindowStore) Record(source string, kind WindowKind, ts time.Time) error {
	if source == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	win := s.sources[source]
	if win == nil {
		win = &sourceWindows{}
		s.sources[source] = win
	}
	win.lastSeen = ts
	events := win.events(kind)
	*events = append(*events, ts)
	if len(*events) > s.maxEntries {
		*events = (*events)[len(*events)-s.maxEntries:]
	}
	if kind == WindowRequests {
		s.total++
	}
	return nil
}

// PruneAndCount drops entries older than now-window for the given source and
// kind, then returns how many remain. The prune is a deliberate side effect;
// the name carries it so no caller mistakes this for a pure read.
func (s *MemoryWindowStore) PruneAndCount(source string, kind WindowKind, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	win := s.sources[source]
	if win == nil {
		return 0, nil
	}
	events := win.events(kind)
	*events = trimBefore(*events, now.Add(-window))
	return len(*events), nil
}

func (s *MemoryWindowStore) Sources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

func (s *MemoryWindowStore) TotalRequests() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Sweep removes sources with no activity since now-idleFor. Without it a
// source that goes quiet would pin its windows for the process lifetime.
func (s *MemoryWindowStore) Sweep(idleFor time.Duration, now time.Time) int {
	cutoff := now.Add(-idleFor)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for source, win := range s.sources {
		if win.lastSeen.Before(cutoff) {
			delete(s.sources, source)
			removed++
		}
	}
	return removed
}

func (s *MemoryWindowStore) HealthCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = len(s.sources)
	return nil
}

func (w *sourceWindows) events(kind WindowKind) *[]time.Time {
	if kind == WindowFailures {
		return &w.failures
	}
	return &w.requests
}

func trimBefore(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && events[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		return events[idx:]
	}
	return events
}
