package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agora/api"
)

// RateLimit bounds mutating traffic from a single agent.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter applies per-agent token buckets keyed by route group. Agents are
// identified by the X-Agent-ID header set by the SDK clients; anonymous
// callers share a bucket per remote address.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter builds a limiter with the supplied per-group limits.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Middleware enforces the limit registered under key; routes without a
// registered limit pass through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			caller := strings.TrimSpace(req.Header.Get("X-Agent-ID"))
			if caller == "" {
				caller = remoteHost(req)
			}
			entry := r.entryFor(key+"|"+caller, limit)
			if !entry.Allow() {
				r.logger.Warn("rate limited", slog.String("route", key), slog.String("agent_id", caller))
				api.WriteError(w, http.StatusTooManyRequests, api.KindTransient, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) entryFor(key string, limit RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	if entry, ok := r.visitors[key]; ok {
		entry.seen = now
		return entry.limiter
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit.RequestsPerMinute/60.0), burst)
	r.visitors[key] = &rateEntry{limiter: limiter, seen: now}
	r.pruneLocked(now)
	return limiter
}

// pruneLocked drops buckets idle for over an hour to bound memory.
func (r *RateLimiter) pruneLocked(now time.Time) {
	if len(r.visitors) < 4096 {
		return
	}
	for key, entry := range r.visitors {
		if now.Sub(entry.seen) > time.Hour {
			delete(r.visitors, key)
		}
	}
}

func remoteHost(req *http.Request) string {
	addr := req.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return addr[:idx]
	}
	return addr
}
