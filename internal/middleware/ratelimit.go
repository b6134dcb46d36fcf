package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/pkg/response"
	"golang.org/x/time/rate"
)

// ipLimiter holds a rate limiter and last-seen time per IP.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds the state for IP-based rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	message  string
	// only responses >= 400 consume a token
	skipSuccessful bool

	stop     chan struct{}
	stopOnce sync.Once
}

type RateLimitOption func(*RateLimiter)

// WithMessage sets the 429 message.
func WithMessage(msg string) RateLimitOption {
	return func(rl *RateLimiter) { rl.message = msg }
}

// SkipSuccessfulRequests only counts requests that fail, the way the
// login limiter only counts bad attempts.
func SkipSuccessfulRequests() RateLimitOption {
	return func(rl *RateLimiter) { rl.skipSuccessful = true }
}

// NewRateLimiter creates a new RateLimiter.
// rps is the allowed requests per second; burst is the max burst size.
func NewRateLimiter(rps float64, burst int, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		message:  "too many requests, please try again later",
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	// Background cleanup of stale entries every 3 minutes
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[ip] = &ipLimiter{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// idleTTL is how long an IP may stay silent before its limiter is
// dropped. A dropped limiter comes back full, so it must cover a refill.
func (rl *RateLimiter) idleTTL() time.Duration {
	ttl := 5 * time.Minute
	if rl.rps > 0 && rl.rps != rate.Inf {
		refill := time.Duration(float64(rl.burst) / float64(rl.rps) * float64(time.Second))
		if refill > ttl {
			ttl = refill
		}
	}
	return ttl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()
	ttl := rl.idleTTL()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.limiters {
			if time.Since(v.lastSeen) > ttl {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware returns a Gin middleware that enforces IP-based rate limiting.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())

		if rl.skipSuccessful {
			if limiter.Tokens() < 1 {
				rl.reject(c, limiter)
				return
			}
			c.Next()
			if c.Writer.Status() >= 400 {
				limiter.Allow()
			}
			return
		}

		if !limiter.Allow() {
			rl.reject(c, limiter)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) reject(c *gin.Context, limiter *rate.Limiter) {
	now := time.Now()
	if r := limiter.ReserveN(now, 1); r.OK() {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(r.DelayFrom(now).Seconds()))))
		r.CancelAt(now)
	}
	response.Abort(c, response.NewTooManyRequests(rl.message))
}

// RateLimit is a convenience function that creates a RateLimiter and returns its middleware.
func RateLimit(rps float64, burst int, opts ...RateLimitOption) gin.HandlerFunc {
	return NewRateLimiter(rps, burst, opts...).Middleware()
}
