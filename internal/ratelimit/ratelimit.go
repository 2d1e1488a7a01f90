// Package ratelimit provides a fixed-window limiter for execution-triggering
// endpoints: each key may spend a small budget per window, and the budget
// refills in full when the next window starts.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// Budget is the number of requests allowed per key per window.
	Budget int
	// Window is the window length (one second by default).
	Window time.Duration
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows two runs per second.
func DefaultConfig() Config {
	return Config{
		Budget:          2,
		Window:          time.Second,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks fixed windows by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	start time.Time
	used  int
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.Budget <= 0 {
		cfg.Budget = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.Window)
			for key, w := range l.windows {
				if w.start.Before(cutoff) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow spends one unit of key's budget. When the budget is exhausted it
// returns false and the time until the current window ends.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Truncate(l.cfg.Window)
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}

	if w.used >= l.cfg.Budget {
		return false, start.Add(l.cfg.Window).Sub(now)
	}
	w.used++
	return true, 0
}

// Middleware rejects requests over budget with 429. keyFn picks the bucket;
// nil keys by client IP.
func (l *Limiter) Middleware(keyFn func(c *gin.Context) string) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = func(c *gin.Context) string { return c.ClientIP() }
	}
	return func(c *gin.Context) {
		ok, retryAfter := l.Allow(keyFn(c))
		if !ok {
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "rate_limit_exceeded",
				"message":        "Too many runs. Please slow down.",
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			return
		}
		c.Next()
	}
}
