// Package ratelimit provides fixed-window request throttles for the auth
// endpoints. A Redis-backed limiter shares windows across instances; the
// in-memory limiter covers db-less dev mode and tests.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter counts hits per key inside fixed windows.
type Limiter interface {
	// Allow records one hit against key and reports whether it stays
	// within limit for the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Key builders used by the HTTP layer. Keys are namespaced so one redis
// database can serve several deployments.

func LoginIPKey(ip string) string         { return "ripple:rl:login:ip:" + ip }
func LoginIdentifierKey(id string) string { return "ripple:rl:login:id:" + id }
func RefreshIPKey(ip string) string       { return "ripple:rl:refresh:ip:" + ip }
