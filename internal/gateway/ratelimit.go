package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/analyst/internal/config"
)

// TokenBucket refills continuously at refillRate up to maxTokens.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	now        func() time.Time
}

func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	return newTokenBucket(requestsPerMinute, burstSize, time.Now)
}

func newTokenBucket(requestsPerMinute, burstSize int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: t,
		lastAccess: t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	t := tb.now()
	tb.tokens += t.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = t
	tb.lastAccess = t

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware keeps one token bucket per API key, or per client IP
// for unauthenticated requests.
type RateLimitMiddleware struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	rpm     int
	burst   int
	enabled bool
	now     func() time.Time

	// OnReject, if set, is called for every rejected request.
	OnReject func(r *http.Request)
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		buckets: make(map[string]*TokenBucket),
		rpm:     rpm,
		burst:   burst,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.bucket(clientKey(r)).Allow() {
			if rl.OnReject != nil {
				rl.OnReject(r)
			}
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (rl *RateLimitMiddleware) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(rl.rpm, rl.burst, rl.now)
	rl.buckets[key] = b
	return b
}
