package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/taskboard/internal/config"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	rate := float64(requestsPerMinute) / 60.0
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// CredentialRateLimiter throttles login and register attempts per
// client address. Buckets idle for an hour are evicted on the next
// sweep so the map cannot grow without bound.
type CredentialRateLimiter struct {
	cfg       config.RateLimitConfig
	buckets   map[string]*TokenBucket
	mu        sync.Mutex
	lastSweep time.Time
}

func NewCredentialRateLimiter(cfg config.RateLimitConfig) *CredentialRateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	return &CredentialRateLimiter{
		cfg:       cfg,
		buckets:   make(map[string]*TokenBucket),
		lastSweep: time.Now(),
	}
}

// Wrap applies the rate limit to a handler. Pass-through when disabled.
func (rl *CredentialRateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "too many attempts, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *CredentialRateLimiter) allow(addr string) bool {
	rl.mu.Lock()
	if time.Since(rl.lastSweep) > time.Hour {
		for k, b := range rl.buckets {
			b.mu.Lock()
			idle := time.Since(b.lastAccess)
			b.mu.Unlock()
			if idle > time.Hour {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = time.Now()
	}
	bucket, ok := rl.buckets[addr]
	if !ok {
		bucket = NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize)
		rl.buckets[addr] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
