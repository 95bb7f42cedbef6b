package server

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket holding up to capacity tokens, refilled at
// capacity per interval. Refill is tracked in whole nanoseconds so a client
// sending at exactly the configured rate is never throttled by rounding.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	perToken   time.Duration
	lastRefill time.Time
	now        func() time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perToken := interval / time.Duration(capacity)
	if perToken <= 0 {
		perToken = 1
	}

	rl := &rateLimiter{
		tokens:   capacity,
		capacity: capacity,
		perToken: perToken,
		now:      time.Now,
	}
	rl.lastRefill = rl.now()
	return rl
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.lastRefill); elapsed >= rl.perToken {
		earned := elapsed / rl.perToken
		rl.tokens += int(min(earned, time.Duration(rl.capacity)))
		rl.lastRefill = rl.lastRefill.Add(earned * rl.perToken)
		if rl.tokens >= rl.capacity {
			rl.tokens = rl.capacity
			rl.lastRefill = now
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}
