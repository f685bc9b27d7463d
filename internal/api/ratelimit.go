package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter implements a token bucket rate limiter per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	rate     int           // tokens per interval
	interval time.Duration // refill interval
	burst    int           // max tokens (bucket size)
	now      func() time.Time

	lastPrune time.Time
}

type clientBucket struct {
	tokens    int
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (requests per
// interval) and burst size. Stale buckets are dropped lazily by Allow.
func NewRateLimiter(rate int, interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientBucket),
		rate:     rate,
		interval: interval,
		burst:    burst,
		now:      time.Now,
	}
}

const (
	// staleAfter is how long an idle bucket is kept.
	staleAfter = 10 * time.Minute
	// pruneEvery bounds how often Allow sweeps the bucket map.
	pruneEvery = 5 * time.Minute
)

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) >= pruneEvery {
		rl.prune(now)
		rl.lastPrune = now
	}

	bucket, exists := rl.clients[ip]
	if !exists {
		rl.clients[ip] = &clientBucket{
			tokens:    rl.burst - 1, // -1 for this request
			lastCheck: now,
		}
		return true
	}

	// Refill whole intervals only so partial intervals accumulate.
	intervals := int(now.Sub(bucket.lastCheck) / rl.interval)
	if intervals > 0 {
		bucket.tokens += intervals * rl.rate
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastCheck = bucket.lastCheck.Add(time.Duration(intervals) * rl.interval)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// prune drops buckets idle for longer than staleAfter. Caller holds mu.
func (rl *RateLimiter) prune(now time.Time) {
	threshold := now.Add(-staleAfter)
	for ip, bucket := range rl.clients {
		if bucket.lastCheck.Before(threshold) {
			delete(rl.clients, ip)
		}
	}
}

// Middleware returns a Gin middleware that rate limits requests
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": rl.interval.Seconds(),
			})
			return
		}
		c.Next()
	}
}

// newAPILimiter allows 120 requests per minute per IP with a burst of 60.
func newAPILimiter() *RateLimiter {
	return NewRateLimiter(120, time.Minute, 60)
}

// newScanLimiter guards the scan triggers: 6 per minute, burst of 3.
func newScanLimiter() *RateLimiter {
	return NewRateLimiter(6, time.Minute, 3)
}
