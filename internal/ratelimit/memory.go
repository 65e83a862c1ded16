package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory is an in-process limiter: one token bucket per identifier and
// rule, refilled at Limit tokens per Window with a burst of Limit.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemory creates an empty Memory limiter.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow takes a token from the identifier's bucket.
func (m *Memory) Allow(_ context.Context, identifier string, rule Rule) (Decision, error) {
	now := m.now()
	key := rule.Key + identifier

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)}
		m.buckets[key] = b
	}
	b.seen = now
	m.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: rule.Window}, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: d}, nil
	}
	return Decision{Allowed: true}, nil
}

// Prune drops buckets not used for longer than idle.
func (m *Memory) Prune(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}
