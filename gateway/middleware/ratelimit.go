package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorIdleTTL bounds how long an idle client keeps its token bucket before
// the sweep reclaims it.
const visitorIdleTTL = 5 * time.Minute

// RateLimit describes the budget applied to one route group. Tokens maps
// "METHOD /path" to the cost a single call consumes; routes without an entry
// consume DefaultTokens (or one token when unset). RequestsPerMinute is kept
// for older configs and only consulted when RatePerSecond is zero.
type RateLimit struct {
	RatePerSecond     float64
	RequestsPerMinute float64
	Burst             int
	DefaultTokens     int
	Tokens            map[string]int
}

func (l RateLimit) perSecond() rate.Limit {
	if l.RatePerSecond > 0 {
		return rate.Limit(l.RatePerSecond)
	}
	if l.RequestsPerMinute > 0 {
		return rate.Limit(l.RequestsPerMinute / 60.0)
	}
	return rate.Limit(1)
}

func (l RateLimit) burst() int {
	if l.Burst > 0 {
		return l.Burst
	}
	return 1
}

func (l RateLimit) cost(r *http.Request) int {
	if len(l.Tokens) > 0 {
		if cost, ok := l.Tokens[r.Method+" "+r.URL.Path]; ok && cost > 0 {
			return cost
		}
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorKey struct {
	limit  string
	client string
}

// RateLimiter hands out per-client token buckets for each configured route
// group. Buckets for clients idle longer than visitorIdleTTL are swept during
// lookups, so no background goroutine is needed.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[visitorKey]*rateEntry
	lastScan time.Time
	clockNow func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[visitorKey]*rateEntry),
		clockNow: time.Now,
	}
}

// Middleware enforces the limit registered under key. Unknown keys pass
// requests through untouched so routes can be wired before their budget is
// configured.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := clientID(req)
			limiter := r.obtainLimiter(key, identifier, limit)
			if !limiter.AllowN(r.clockNow(), limit.cost(req)) {
				r.logger.Warn("rate limit exceeded",
					"limit", key,
					"client", identifier,
					"method", req.Method,
					"path", req.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(limitKey, id string, cfg RateLimit) *rate.Limiter {
	now := r.clockNow()
	key := visitorKey{limit: limitKey, client: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	if entry, ok := r.visitors[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(cfg.perSecond(), cfg.burst())
	r.visitors[key] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastScan) < visitorIdleTTL {
		return
	}
	r.lastScan = now
	cutoff := now.Add(-visitorIdleTTL)
	for key, entry := range r.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(r.visitors, key)
		}
	}
}

// clientID derives the limiter identity for a request. Authenticated partners
// are bucketed by API key so shared egress IPs do not starve each other;
// anonymous traffic falls back to the caller address.
func clientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma >= 0 {
			first = raw[:comma]
		}
		first = strings.TrimSpace(first)
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
