// failwindow.go tracks short-window failure counts (e.g. repeated
// authentication failures for one actor) that feed the classifier's
// escalation rules. The counter lives outside the classifier so Classify
// stays a pure function: callers read the window and pass the count in on the
// RawEvent.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureWindow counts recent failures per key within a sliding window.
type FailureWindow interface {
	// RecordFailure increments the key's counter and returns the new count.
	RecordFailure(ctx context.Context, key string) (int64, error)
	// Count returns the key's current in-window count.
	Count(ctx context.Context, key string) (int64, error)
}

// RedisFailureWindow is a Redis-backed failure window shared across process
// instances. Each key is an INCR counter with a TTL equal to the window, so
// counts age out without a cleanup job.
type RedisFailureWindow struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisFailureWindow creates a Redis-backed window.
func NewRedisFailureWindow(client *redis.Client, window time.Duration) *RedisFailureWindow {
	return &RedisFailureWindow{
		client: client,
		window: window,
		prefix: "cmp:failwindow:",
	}
}

// RecordFailure increments the counter, setting the window TTL on first use.
func (w *RedisFailureWindow) RecordFailure(ctx context.Context, key string) (int64, error) {
	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, w.prefix+key)
	pipe.ExpireNX(ctx, w.prefix+key, w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record failure: %w", err)
	}
	return incr.Val(), nil
}

// Count returns the current counter value; a missing key counts as zero.
func (w *RedisFailureWindow) Count(ctx context.Context, key string) (int64, error) {
	n, err := w.client.Get(ctx, w.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read failure count: %w", err)
	}
	return n, nil
}

// MemoryFailureWindow is a process-local fallback used when Redis is not
// configured. Counts are not shared across instances, which weakens the
// escalation rule in multi-instance deployments; prefer Redis in production.
type MemoryFailureWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewMemoryFailureWindow creates an in-process window.
func NewMemoryFailureWindow(window time.Duration) *MemoryFailureWindow {
	return &MemoryFailureWindow{
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// RecordFailure appends a hit and returns the in-window count.
func (w *MemoryFailureWindow) RecordFailure(ctx context.Context, key string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(key)
	w.hits[key] = append(w.hits[key], w.now())
	return int64(len(w.hits[key])), nil
}

// Count returns the in-window count for the key.
func (w *MemoryFailureWindow) Count(ctx context.Context, key string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(key)
	return int64(len(w.hits[key])), nil
}

// prune drops hits older than the window. Caller holds the lock.
func (w *MemoryFailureWindow) prune(key string) {
	cutoff := w.now().Add(-w.window)
	hits := w.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(w.hits, key)
		return
	}
	w.hits[key] = kept
}
