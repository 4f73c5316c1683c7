package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token balance for one connection.
type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a per-connection token bucket applied to the subscribe path only:
// it bounds subscribe storms without penalizing publish or unsubscribe
// traffic. Buckets are created lazily on first check and removed when the
// connection goes away.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity       float64
	refillTokens   float64
	refillInterval time.Duration

	now func() time.Time
}

// NewLimiter creates a limiter with the given bucket capacity and refill rate
// (refillTokens per refillInterval).
func NewLimiter(capacity, refillTokens float64, refillInterval time.Duration) *Limiter {
	return &Limiter{
		buckets:        make(map[string]*bucket),
		capacity:       capacity,
		refillTokens:   refillTokens,
		refillInterval: refillInterval,
		now:            time.Now,
	}
}

// Allow refills the connection's bucket by elapsed time, then consumes one
// token if at least one is available. Rejection consumes nothing.
func (l *Limiter) Allow(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[connID]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[connID] = b
	}

	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() / l.refillInterval.Seconds() * l.refillTokens
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remove drops the connection's bucket. Called from disconnect cleanup.
func (l *Limiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, connID)
}

// SetNow overrides the clock. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
