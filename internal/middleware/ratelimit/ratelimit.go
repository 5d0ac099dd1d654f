package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docuflow/backend/pkg/logger"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a token bucket per client. Upload and execute endpoints are
// the expensive paths; one limiter instance with a tighter budget fronts
// those, another with a looser budget fronts the polling endpoints.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	capacity     float64
	refillPerSec float64
	lastSweep    time.Time
}

type Config struct {
	RequestsPerMinute int
	Burst             int
}

func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute / 4
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}

	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		capacity:     float64(cfg.Burst),
		refillPerSec: float64(cfg.RequestsPerMinute) / 60,
		lastSweep:    time.Now(),
	}
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if userID := c.Get("X-User-ID"); userID != "" {
			key = userID
		}

		if !rl.allow(key) {
			logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
			)
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweepLocked(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, lastRefill: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.refillPerSec
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweepLocked drops buckets idle long enough to have refilled completely.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < 10*time.Minute {
		return
	}
	rl.lastSweep = now

	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) > 10*time.Minute {
			delete(rl.buckets, key)
		}
	}
}
