// Package ratelimit implements a fixed-window per-key rate limiter with
// bounded memory.
package ratelimit

import (
	"sync"
	"time"
)

const gcThreshold = 10_000

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter is a non-blocking fixed-window counter keyed by an arbitrary
// string. A denial is an immediate rejection; there is no queueing.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New returns a Limiter with an empty bucket map.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether a request under key is admitted given limit
// admissions per window. It increments the bucket's counter as a side
// effect of the check.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}

	b.count++
	admit := b.count <= limit

	if len(l.buckets) > gcThreshold {
		l.gc(now, window)
	}

	return admit
}

// gc removes buckets whose window started more than 2*window ago. Caller
// must hold mu.
func (l *Limiter) gc(now time.Time, window time.Duration) {
	cutoff := 2 * window
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > cutoff {
			delete(l.buckets, key)
		}
	}
}
