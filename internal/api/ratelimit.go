package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond int
	burstSize         int
}

// NewRateLimiter builds a per-client limiter.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 2 * rps
	}
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: rps,
		burstSize:         burst,
	}
}

// Allow reports whether the client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bound the map so a scan of spoofed addresses cannot grow it forever.
	if len(rl.limiters) >= 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, ok := rl.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burstSize)
		rl.limiters[client] = limiter
	}
	return limiter.Allow()
}
