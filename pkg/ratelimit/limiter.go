// Package ratelimit throttles signed API calls per client IP with a fixed
// window counter in the shared KV store.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"zerokeep/pkg/disguise"
	"zerokeep/pkg/store"
)

const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
	keyPrefix     = "rl:"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	KV     store.KV
	Limit  int
	Window time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func New(kv store.KV, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{KV: kv, Limit: limit, Window: window, Now: time.Now}
}

// Allow counts one request for key. The window starts at the first request
// and is not extended by later ones.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	count, err := l.KV.Incr(ctx, keyPrefix+key, l.Window)
	if err != nil {
		return Decision{Allowed: true, Limit: l.Limit, Remaining: l.Limit, ResetAt: now.Add(l.Window)}, err
	}
	ttl, err := l.KV.TTL(ctx, keyPrefix+key)
	if err != nil || ttl <= 0 {
		ttl = l.Window
	}
	return Decision{
		Allowed:   count <= int64(l.Limit),
		Count:     int(count),
		Limit:     l.Limit,
		Remaining: max(l.Limit-int(count), 0),
		ResetAt:   now.Add(ttl),
	}, nil
}

// Middleware rejects over-limit callers with a disguised 429. KV errors fail
// open so a store outage does not take the API down with it.
func (l *Limiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), keyFn(r))
			if err != nil {
				l.logger().Warn("rate limit store unavailable", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(d.ResetAt.Sub(l.now()).Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				disguise.Reject(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
