package replication

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a per-target bandwidth limiter: capacity holds 2s of
// bandwidth at the configured rate, refilled linearly, shared by every
// upload to that target.
type TokenBucket struct {
	mu         sync.Mutex
	ratePerSec float64
	capacity   float64
	tokens     float64
	last       time.Time
	now        func() time.Time
}

// NewTokenBucket builds a bucket for a target with the given
// bandwidth limit in megabits per second. A zero limit means
// unlimited (Consume never blocks).
func NewTokenBucket(bandwidthLimitMbps int) *TokenBucket {
	bytesPerSec := float64(bandwidthLimitMbps) * 1_000_000 / 8
	return &TokenBucket{
		ratePerSec: bytesPerSec,
		capacity:   bytesPerSec * 2,
		tokens:     bytesPerSec * 2,
		last:       time.Now(),
		now:        time.Now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Consume blocks until n tokens (bytes) are available, or ctx is
// cancelled. Unlimited buckets (ratePerSec == 0) return immediately.
func (b *TokenBucket) Consume(ctx context.Context, n float64) error {
	if b.ratePerSec <= 0 {
		return nil
	}
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		deficit := n - b.tokens
		wait := time.Duration(deficit/b.ratePerSec*float64(time.Second)) + time.Millisecond
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Buckets manages one TokenBucket per replication target.
type Buckets struct {
	mu      sync.Mutex
	byTarget map[string]*TokenBucket
}

// NewBuckets constructs an empty per-target bucket registry.
func NewBuckets() *Buckets {
	return &Buckets{byTarget: make(map[string]*TokenBucket)}
}

// For returns the bucket for target, creating one from limitMbps on
// first use.
func (b *Buckets) For(target string, limitMbps int) *TokenBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tb, ok := b.byTarget[target]; ok {
		return tb
	}
	tb := NewTokenBucket(limitMbps)
	b.byTarget[target] = tb
	return tb
}
