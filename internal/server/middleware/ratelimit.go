package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

const (
	bucketIdleTTL = 10 * time.Minute
	sweepEvery    = time.Minute
)

// RateLimit allows each client address limit requests per window, counted
// in the shared limiter so every replica draws from one budget. When the
// limiter itself fails the request is let through.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := limiter.Allow(r.Context(), "api:"+clientAddr(r), limit, window)
			if err == nil && !ok {
				tooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalRateLimit is RateLimit for a single process: one token bucket of rps
// with burst per client address.
func LocalRateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	b := &buckets{rps: rate.Limit(rps), burst: burst, byAddr: map[string]*bucket{}, now: time.Now}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !b.allow(clientAddr(r)) {
				tooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type buckets struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	byAddr    map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func (b *buckets) allow(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) > sweepEvery {
		for a, bk := range b.byAddr {
			if now.Sub(bk.lastSeen) > bucketIdleTTL {
				delete(b.byAddr, a)
			}
		}
		b.lastSweep = now
	}
	bk, ok := b.byAddr[addr]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(b.rps, b.burst)}
		b.byAddr[addr] = bk
	}
	bk.lastSeen = now
	return bk.lim.AllowN(now, 1)
}

func tooMany(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	reject(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// clientAddr prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func clientAddr(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
