package embeddings

import (
	"context"
	"sync"
	"time"
)

const defaultRequestsPerWindow = 120

// RateLimiter is a token bucket sized for embedding API quotas.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillStep time.Duration
	lastRefill time.Time
}

// NewRateLimiter allows requests calls per window. Non-positive arguments
// fall back to 120 requests per minute.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = defaultRequestsPerWindow
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		tokens:     requests,
		maxTokens:  requests,
		refillStep: window / time.Duration(requests),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if refilled := int(now.Sub(rl.lastRefill) / rl.refillStep); refilled > 0 {
		rl.tokens += refilled
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.refillStep):
		}
	}
}
