package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a single-process fixed-window limiter for dev mode and
// tests. Expired windows are dropped lazily on access.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	now     func() time.Time
}

// NewMemoryLimiter constructs an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]memoryWindow),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if key == "" || limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = memoryWindow{count: 0, resetAt: now.Add(window)}
	}
	w.count++
	l.windows[key] = w

	if w.count <= limit {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
}

// Prune drops windows that ended before now. The app's janitor calls this
// periodically so long-running dev processes do not accumulate keys.
func (l *MemoryLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			n++
		}
	}
	return n
}
