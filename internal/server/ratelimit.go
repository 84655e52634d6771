package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig throttles mutating requests per client IP. Zero values
// disable the limiter.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

type ipLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientLimiterTTL = 10 * time.Minute

func newRateLimitMiddleware(basePath string, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerSecond <= 0 || cfg.Burst <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := &ipLimiter{cfg: cfg, clients: make(map[string]*clientLimiter)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only mutations under the API base are throttled; reads and the
			// stream stay unthrottled.
			if req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if !l.allow(clientIP(req)) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	if len(l.clients) > 1024 {
		for key, stale := range l.clients {
			if now.Sub(stale.lastSeen) > clientLimiterTTL {
				delete(l.clients, key)
			}
		}
	}
	return c.limiter.Allow()
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
