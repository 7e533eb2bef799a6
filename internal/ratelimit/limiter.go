// Package ratelimit provides an optional per-provider request limiter.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ProviderLimiter applies a token-bucket limit per provider name.
// Providers without a configured limit pass through untouched.
type ProviderLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// New creates an empty limiter.
func New() *ProviderLimiter {
	return &ProviderLimiter{limiters: make(map[string]*rate.Limiter)}
}

// SetLimit configures requests-per-minute for one provider. A non-positive
// rpm removes the limit.
func (l *ProviderLimiter) SetLimit(provider string, rpm int, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rpm <= 0 {
		delete(l.limiters, provider)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.limiters[provider] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Wait blocks until the provider's limiter admits one request, or the
// context is done. Unlimited providers return immediately.
func (l *ProviderLimiter) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	limiter := l.limiters[provider]
	l.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
