// Package ratelimit admits or denies requests per identity using a fixed
// window counter aligned to multiples of the window duration.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeniedError is returned when an identity has used its budget for the window.
type DeniedError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Identity, e.RetryAfter)
}

// Limiter admits requests. Admit returns nil when allowed, *DeniedError when
// denied, and any other error when the backing store failed.
type Limiter interface {
	Admit(ctx context.Context, identity string, now time.Time) error
}

// windowStart returns the aligned start of the window containing now and
// the time remaining until it closes.
func windowStart(now time.Time, window time.Duration) (time.Time, time.Duration) {
	start := now.Truncate(window)
	return start, start.Add(window).Sub(now)
}

// ── Memory ────────────────────────────────────────────────────────────────────

type counter struct {
	start time.Time
	count int
}

// Memory is the single-process Limiter.
type Memory struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*counter
	calls    int
}

func NewMemory(max int, window time.Duration) *Memory {
	return &Memory{max: max, window: window, counters: make(map[string]*counter)}
}

func (m *Memory) Admit(_ context.Context, identity string, now time.Time) error {
	start, remaining := windowStart(now, m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%1024 == 0 {
		m.sweep(start)
	}

	c, ok := m.counters[identity]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		m.counters[identity] = c
	}
	if c.count >= m.max {
		return &DeniedError{Identity: identity, RetryAfter: remaining}
	}
	c.count++
	return nil
}

// sweep drops counters from closed windows. Caller holds mu.
func (m *Memory) sweep(current time.Time) {
	for k, c := range m.counters {
		if c.start.Before(current) {
			delete(m.counters, k)
		}
	}
}

// ── Redis ─────────────────────────────────────────────────────────────────────

// incrScript increments the window counter and sets its expiry on first use,
// in one round trip.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

const keyPrefix = "ratelimit:"

// Redis is the shared-store Limiter for multi-process deployments.
type Redis struct {
	rdb    redis.Scripter
	max    int
	window time.Duration
}

func NewRedis(rdb redis.Scripter, max int, window time.Duration) *Redis {
	return &Redis{rdb: rdb, max: max, window: window}
}

func (r *Redis) Admit(ctx context.Context, identity string, now time.Time) error {
	start, remaining := windowStart(now, r.window)
	key := fmt.Sprintf("%s%s:%d", keyPrefix, identity, start.Unix())

	n, err := incrScript.Run(ctx, r.rdb, []string{key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("rate limit incr: %w", err)
	}
	if n > int64(r.max) {
		return &DeniedError{Identity: identity, RetryAfter: remaining}
	}
	return nil
}
