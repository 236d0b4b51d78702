// Package ratelimit implements the per-principal token bucket applied to
// the publish paths. Buckets refill continuously, so bursts up to capacity
// are allowed and the long-term rate stays at the configured tokens per
// second.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// take consumes one token if available. When the bucket is empty it returns
// the wait until the next token.
func (b *bucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}
	wait := time.Duration((1.0 - b.tokens) / b.refillRate * float64(time.Second))
	return false, wait
}

// Limiter hands out one token bucket per key. A zero or negative rate
// disables limiting entirely.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rps     float64
	burst   int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter allowing rps sustained requests per key with bursts
// up to burst. Idle buckets are reclaimed in the background.
func New(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   burst,
		stop:    make(chan struct{}),
	}
	if rps > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether key may proceed. When denied, the returned duration
// is the suggested Retry-After.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || l.rps <= 0 {
		return true, 0
	}
	return l.get(key).take()
}

func (l *Limiter) get(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{
		tokens:     float64(l.burst),
		capacity:   float64(l.burst),
		refillRate: l.rps,
		lastRefill: time.Now(),
	}
	l.buckets[key] = b
	return b
}

// Stop halts the cleanup loop.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanupLoop drops buckets that have sat idle for an hour so the key space
// cannot grow without bound.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				b.mu.Lock()
				idle := time.Since(b.lastRefill) > time.Hour
				b.mu.Unlock()
				if idle {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
