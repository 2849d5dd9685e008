// Package ratelimit is an in-memory token bucket per client key. Buckets of
// clients idle for two windows expire; at most a bounded number of clients is
// tracked, the least recently seen being forgotten first.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultClients bounds the tracked keys of New.
const DefaultClients = 65536

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter hands each key limit tokens per window, refilled continuously.
type Limiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
	burst   float64
	window  time.Duration
	now     func() time.Time
}

// New returns a limiter tracking up to DefaultClients keys. A non-positive
// limit allows everything.
func New(limit int, window time.Duration) *Limiter {
	return NewWithCapacity(limit, window, DefaultClients)
}

func NewWithCapacity(limit int, window time.Duration, clients int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: expirable.NewLRU[string, *bucket](clients, nil, 2*window),
		burst:   float64(limit),
		window:  window,
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket and reports whether there was one.
func (l *Limiter) Allow(key string) bool {
	if l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
	} else {
		b.tokens = min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.burst/l.window.Seconds())
		b.seen = now
	}
	// Re-adding refreshes the expiry of an active key.
	l.buckets.Add(key, b)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter is how long a rejected key waits for its next token.
func (l *Limiter) RetryAfter() time.Duration {
	if l.burst <= 0 {
		return 0
	}
	return l.window / time.Duration(l.burst)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.buckets.Remove(key)
}

// Clients is the number of keys currently tracked.
func (l *Limiter) Clients() int {
	return l.buckets.Len()
}
