package a2a

import (
	"sync"

	"golang.org/x/time/rate"
)

// PlaneLimiter applies per-key token buckets to inbound execution-plane
// requests, ahead of signature verification, so a flooding agent burns its
// own budget rather than everyone's CPU.
type PlaneLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewPlaneLimiter creates a limiter allowing rps sustained requests with
// the given burst per key id. rps <= 0 disables limiting.
func NewPlaneLimiter(rps float64, burst int) *PlaneLimiter {
	return &PlaneLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow consumes one token for the key id ("" for unsigned payloads, which
// share a single anonymous bucket).
func (l *PlaneLimiter) Allow(keyID string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[keyID]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[keyID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
