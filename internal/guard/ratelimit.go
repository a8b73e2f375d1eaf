package guard

import (
	"sync"
	"time"

	apperrors "github.com/kandev/conductor/internal/common/errors"
)

// RateLimiter is a sliding-window limiter keyed by requester.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter allows limit calls per window. A limit of zero disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, now: time.Now, hits: make(map[string][]time.Time)}
}

// Allow records a call by key, or returns a SafetyViolation when key already
// made limit calls within the window.
func (l *RateLimiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return apperrors.SafetyViolation("rate limit of %d per %s exceeded for %s", l.limit, l.window, key)
	}
	l.hits[key] = append(hits, now)
	return nil
}

// Reset clears the window for key, or for every key when key is empty.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.hits = make(map[string][]time.Time)
		return
	}
	delete(l.hits, key)
}
