package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coldsense/backend/internal/tenancy"
)

// RateLimiter enforces a per-tenant sliding window on the ingest endpoint.
// Each window tracks request counts per tenant; expired windows are
// garbage-collected periodically.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow
	cfg     RateLimitConfig
	logger  *log.Logger
}

// RateLimitConfig defines the limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 600
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether another request fits the tenant's current window.
// The count increment under read lock races slightly; the limit is soft.
func (rl *RateLimiter) Allow(tenantID string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[tenantID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.cfg.BurstSize {
			rl.logger.Printf("Rate limit exceeded (burst): tenant=%s count=%d", tenantID, count)
			return false
		}
		if count > rl.cfg.MaxCallsPerMinute {
			rl.logger.Printf("Rate limit exceeded: tenant=%s count=%d", tenantID, count)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[tenantID]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.cfg.BurstSize
	}
	rl.windows[tenantID] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware rejects requests over the tenant's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenancy.FromContext(r.Context())
		if !ok {
			tenantID = "anonymous"
		}
		if !rl.Allow(tenantID) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, window := range rl.windows {
			if window.windowStart.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
