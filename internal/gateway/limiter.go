package gateway

import (
	"sync"
	"time"
)

// windowLimiter admits at most limit calls in any trailing window.
// A non-positive limit disables it.
type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{limit: limit, window: window}
}

func (l *windowLimiter) Allow(now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// Ready reports whether Allow would succeed at now, without recording a call.
func (l *windowLimiter) Ready(now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	return len(l.calls) < l.limit
}

func (l *windowLimiter) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	return len(l.calls)
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
