package webguard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowStore keeps the sliding windows in Redis sorted sets so
// several instances behind one load balancer share attacker state. Scores
// are millisecond timestamps; pruning is ZREMRANGEBYSCORE below the window
// cutoff. Per-source serialization comes from Redis executing each command
// atomically.
type RedisWindowStore struct {
	client *redis.Client
	ctx    context.Context
	prefix string
	keyTTL time.Duration

	mu    sync.Mutex
	seen  map[string]time.Time
	seq   uint64
	total int64
}

func NewRedisWindowStore(addr, password string, db int) (*RedisWindowStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: connect %s: %w", addr, err)
	}
	return &RedisWindowStore{
		client: client,
		ctx:    ctx,
		prefix: "webguard:win",
		keyTTL: 30 * time.Minute,
		seen:   make(map[string]time.Time),
	}, nil
}

func (s *RedisWindowStore) key(source string, kind WindowKind) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, source)
}

func (s *RedisWindowStore) Record(source string, kind WindowKind, ts time.Time) error {
	if source == "" {
		return nil
	}
	// Member must be unique per event; a nanosecond timestamp plus a local
	// sequence number avoids collapsing concurrent requests into one entry.
	member := strconv.FormatInt(ts.UnixNano(), 10) + "-" + strconv.FormatUint(atomic.AddUint64(&s.seq, 1), 10)

	key := s.key(source, kind)
	pipe := s.client.Pipeline()
	pipe.ZAdd(s.ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: member})
	pipe.Expire(s.ctx, key, s.keyTTL)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return fmt.Errorf("redis store: record %s: %w", source, err)
	}

	s.mu.Lock()
	s.seen[source] = ts
	if kind == WindowRequests {
		s.total++
	}
	s.mu.Unlock()
	return nil
}

func (s *RedisWindowStore) PruneAndCount(source string, kind WindowKind, window time.Duration, now time.Time) (int, error) {
	key := s.key(source, kind)
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(s.ctx, key, "-inf", "("+cutoff)
	card := pipe.ZCard(s.ctx, key)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return 0, fmt.Errorf("redis store: count %s: %w", source, err)
	}
	return int(card.Val()), nil
}

func (s *RedisWindowStore) Sources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *RedisWindowStore) TotalRequests() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Sweep trims the local source registry; the Redis keys themselves expire
// via their TTL.
func (s *RedisWindowStore) Sweep(idleFor time.Duration, now time.Time) int {
	cutoff := now.Add(-idleFor)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for source, last := range s.seen {
		if last.Before(cutoff) {
			delete(s.seen, source)
			removed++
		}
	}
	return removed
}

func (s *RedisWindowStore) HealthCheck() error {
	return s.client.Ping(s.ctx).Err()
}

func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}
