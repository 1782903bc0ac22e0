package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bookline/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// window tracks one client's request count until reset.
type window struct {
	count int
	reset time.Time
}

// simpleRateLimiter is a fixed-window counter keyed by client. Expired
// windows are swept whenever a new one opens, so memory stays bounded by the
// set of clients active within a single window.
type simpleRateLimiter struct {
	limit    int
	interval time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

func newSimpleRateLimiter(limit int, interval time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || interval <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:    limit,
		interval: interval,
		clock:    clock,
		windows:  make(map[string]window),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, open := l.windows[key]
	if !open || now.After(w.reset) {
		l.sweep(now)
		l.windows[key] = window{count: 1, reset: now.Add(l.interval)}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	l.windows[key] = w
	return true
}

// sweep drops expired windows. Caller holds the mutex.
func (l *simpleRateLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, key)
		}
	}
}

// clientKey is the throttling key for a request, the bare client IP when the
// remote address parses and the raw address otherwise.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware throttles requests per client IP. A zero limit or
// window disables throttling so the middleware can be wired unconditionally.
func RateLimitMiddleware(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newSimpleRateLimiter(limit, window, nil)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
