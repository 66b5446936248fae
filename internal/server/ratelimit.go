package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// DefaultRateLimitRPM is the per-key ceiling applied when the operator
// does not override it (§5: "a per-key sliding-window rate limit,
// default 100 requests/minute").
const DefaultRateLimitRPM = 100

// keyLimiter hands out one token-bucket limiter per API key, approximating
// the spec's sliding window: requests in excess of the ceiling are
// rejected immediately rather than queued.
type keyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
}

func newKeyLimiter(rpm int) *keyLimiter {
	if rpm <= 0 {
		rpm = DefaultRateLimitRPM
	}
	return &keyLimiter{limiters: make(map[string]*rate.Limiter), rpm: rpm}
}

func (k *keyLimiter) allow(keyID string) bool {
	k.mu.Lock()
	l, ok := k.limiters[keyID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(k.rpm)/60.0), k.rpm)
		k.limiters[keyID] = l
	}
	k.mu.Unlock()
	return l.Allow()
}
