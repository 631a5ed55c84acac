package bandwidth

import (
	"context"
	"math"
	"sync"
	"time"
)

const refillInterval = 10 * time.Millisecond

// Limiter is a token-bucket rate limiter. Tokens are bytes; the bucket
// refills at rate bytes/sec up to a burst of the same size.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewLimiter creates a limiter allowing rate bytes/sec
func NewLimiter(rate float64) *Limiter {
	return &Limiter{
		tokens:     rate,
		maxTokens:  rate,
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.tokens+l.refillRate*elapsed, l.maxTokens)
	l.lastRefill = now
}

// take attempts to consume n tokens; on failure it returns how long to
// wait before enough tokens accrue.
func (l *Limiter) take(n float64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if n <= l.tokens {
		l.tokens -= n
		return true, 0
	}
	missing := n - l.tokens
	wait := time.Duration(missing / l.refillRate * float64(time.Second))
	if wait < refillInterval {
		wait = refillInterval
	}
	return false, wait
}

// Wait blocks until n bytes worth of tokens are available or ctx is
// cancelled. Requests larger than the bucket are capped to the bucket
// size so they can eventually proceed.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	need := math.Min(float64(n), l.maxTokens)
	for {
		ok, wait := l.take(need)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
