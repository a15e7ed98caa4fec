// Package ratelimit protects the ingest endpoint from runaway signal
// sources. Game backends are expected to batch client telemetry, so the
// per-source budget is deliberately low; a source that floods gets 429s,
// not dropped events, and can back off.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute refills each source's bucket at this sustained rate.
	RequestsPerMinute int
	// BurstSize caps how far above the sustained rate a source may spike.
	BurstSize int
	// CleanupInterval is how often idle sources are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when RATE_LIMIT_RPS is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec sustained
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token-bucket limiter keyed by request source.
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	sources map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New builds a limiter and starts its eviction goroutine. Call Stop on
// shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		sources: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, b := range l.sources {
				if b.lastCheck.Before(cutoff) {
					delete(l.sources, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the eviction goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow spends one token from key's bucket, reporting whether the request
// may proceed. New sources start with a full burst.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.sources[key]
	if !exists {
		l.sources[key] = &bucket{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	refill := now.Sub(b.lastCheck).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware limits by client IP. Admin traffic is bucketed apart from
// ingest so a busy dashboard behind the same NAT as a game backend does
// not starve its signal stream.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if c.GetHeader("X-Admin-Secret") != "" {
			key = "admin:" + key
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
