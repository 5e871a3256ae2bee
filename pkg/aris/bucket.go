package aris

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity  = 1000
	DefaultBandwidth = 10 // Mbps

	refillAfter = 100 * time.Millisecond
)

// TokenBucket bounds how often a robot announces itself. Refill adds
// bandwidth*elapsed_ms/10 tokens, but only once more than 100ms have passed
// since the previous refill, and never beyond capacity.
type TokenBucket struct {
	tokens    atomic.Int64
	capacity  int64
	bandwidth int64

	mtx  sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, bandwidth int64) *TokenBucket {
	b := &TokenBucket{capacity: capacity, bandwidth: bandwidth, now: time.Now}
	b.tokens.Store(capacity)
	b.last = b.now()
	return b
}

// SetTimeFunc replaces the clock and restarts refill accounting from it.
func (b *TokenBucket) SetTimeFunc(f func() time.Time) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.now = f
	b.last = f()
}

// Refill credits the tokens earned since the last refill.
func (b *TokenBucket) Refill() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= refillAfter {
		return
	}
	earned := b.bandwidth * elapsed.Milliseconds() / 10
	for {
		cur := b.tokens.Load()
		next := min(cur+earned, b.capacity)
		if b.tokens.CompareAndSwap(cur, next) {
			break
		}
	}
	b.last = now
}

// TryConsume takes n tokens if at least n are available. On failure the
// balance is left untouched.
func (b *TokenBucket) TryConsume(n int64) bool {
	for {
		cur := b.tokens.Load()
		if cur < n {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

func (b *TokenBucket) Tokens() int64 { return b.tokens.Load() }

func (b *TokenBucket) Capacity() int64 { return b.capacity }
