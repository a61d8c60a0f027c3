// Package ratelimit provides per-client rate limiting middleware for the
// fraudwatch API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// HeaderClientID keys requests by the calling system when present.
const HeaderClientID = "X-Client-ID"

// staleAfter is how long an idle client keeps its bucket.
const staleAfter = 2 * time.Minute

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns defaults sized for upstream payment systems that
// call the analyze endpoint for every transaction.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-staleAfter)
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.allow(key)
	return ok
}

// allow also reports how long until the next token when the request is
// rejected.
func (l *Limiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true, 0
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += now.Sub(state.lastCheck).Seconds() * perSecond
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}

	wait := time.Duration((1 - state.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Middleware returns a Gin middleware that rate limits by client id,
// falling back to the remote IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := c.GetHeader(HeaderClientID); id != "" {
			key = "client:" + id[:min(64, len(id))]
		}

		ok, wait := l.allow(key)
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
