// Package ratelimit implements the sliding-window limiter consulted by the
// verification pipeline and the XP accumulator.
//
// Keys are opaque strings namespaced by the caller ("verify:<external-id>",
// "xp:<player>:<source>"). Each key owns its own bucket and lock; there is
// no global mutex on the consume path.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Result is the outcome of a consume attempt.
type Result struct {
	Allowed    bool
	Remaining  int           // tokens left in the window after this attempt
	RetryAfter time.Duration // how long until a token frees up; zero when allowed
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time // ascending
}

// Limiter tracks per-key sliding windows of timestamps. Membership is
// recomputed on every consultation by trimming stamps older than the window.
type Limiter struct {
	buckets *xsync.Map[string, *bucket]
	now     func() time.Time
}

// New creates a limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a limiter with an injected clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		buckets: xsync.NewMap[string, *bucket](),
		now:     now,
	}
}

// Consume records an attempt against key if the window has room.
// On refusal, RetryAfter reports when the oldest in-window stamp ages out.
func (l *Limiter) Consume(key string, window time.Duration, limit int) Result {
	b, _ := l.buckets.LoadOrStore(key, &bucket{})

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.trim(now, window)

	if len(b.stamps) >= limit {
		retry := b.stamps[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	b.stamps = append(b.stamps, now)
	return Result{Allowed: true, Remaining: limit - len(b.stamps)}
}

// Peek reports whether a consume would succeed without charging the bucket.
func (l *Limiter) Peek(key string, window time.Duration, limit int) Result {
	b, ok := l.buckets.Load(key)
	if !ok {
		return Result{Allowed: true, Remaining: limit}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.trim(now, window)

	if len(b.stamps) >= limit {
		retry := b.stamps[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, RetryAfter: retry}
	}
	return Result{Allowed: true, Remaining: limit - len(b.stamps)}
}

// Refund removes the most recent stamp for key. The verification flow uses
// this when an identity lookup turns out to be unavailable: the attempt must
// not count against the caller.
func (l *Limiter) Refund(key string) {
	b, ok := l.buckets.Load(key)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.stamps); n > 0 {
		b.stamps = b.stamps[:n-1]
	}
}

// Reset drops all stamps for key.
func (l *Limiter) Reset(key string) {
	l.buckets.Delete(key)
}

// Prune drops buckets whose stamps have all aged past maxWindow. Invoked
// periodically so idle keys do not accumulate.
func (l *Limiter) Prune(maxWindow time.Duration) int {
	now := l.now()
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		b.trim(now, maxWindow)
		empty := len(b.stamps) == 0
		b.mu.Unlock()
		if empty {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// trim drops stamps older than now-window. Caller holds b.mu.
func (b *bucket) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}
