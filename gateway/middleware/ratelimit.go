package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit describes a token bucket applied per client. Tokens maps
// "METHOD /path" entries to their cost; routes not listed consume
// DefaultTokens (minimum 1).
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	DefaultTokens int
	Tokens        map[string]int
}

type rateEntry struct {
	limiter *rate.Limiter
}

type RateLimiter struct {
	logger   *log.Logger
	limits   map[string]RateLimit
	mu       sync.RWMutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := key + "|" + clientID(req)
			limiter := r.obtainLimiter(identifier, limit)
			cost := limit.cost(req)
			if !limiter.AllowN(r.clockNow(), cost) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (l RateLimit) cost(req *http.Request) int {
	if len(l.Tokens) > 0 {
		if cost, ok := l.Tokens[req.Method+" "+req.URL.Path]; ok && cost > 0 {
			return cost
		}
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[id]
	if ok {
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter}
	go r.expire(id)
	return limiter
}

// expire drops the visitor entry after an idle window so the map does not
// grow without bound; a returning client simply gets a fresh bucket.
func (r *RateLimiter) expire(id string) {
	timer := time.NewTimer(5 * time.Minute)
	defer timer.Stop()
	<-timer.C
	r.mu.Lock()
	delete(r.visitors, id)
	r.mu.Unlock()
}

// clientID prefers the API key header so tenants behind shared NATs are
// limited independently, then falls back to proxy-reported or socket IPs.
func clientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
			return parsed.String()
		}
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			trimmed := strings.TrimSpace(ip[:comma])
			if parsed := net.ParseIP(trimmed); parsed != nil {
				return parsed.String()
			}
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
