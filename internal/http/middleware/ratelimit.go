package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterCapacity = 4096
	limiterIdleTTL  = 10 * time.Minute
)

// RateLimiter keeps one token bucket per client address. Idle buckets age
// out of a bounded LRU.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](limiterCapacity, nil, limiterIdleTTL),
	}
}

// Allow reports whether a request from client fits its bucket.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	limiter, ok := rl.buckets.Get(client)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets.Add(client, limiter)
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// RateLimit rejects clients above perSecond with 429. It is mounted on the
// agent console only; the gateway webhook must always be acknowledged.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(perSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientAddr(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr strips the port so one client maps to one bucket. chi's
// RealIP middleware has already rewritten RemoteAddr behind a proxy.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
