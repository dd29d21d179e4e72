package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock implementation of Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket limits signaling message rates per WebSocket connection.
//
// Refill is computed in nano-tokens (1 token = 1e9 nano-tokens) so a rate of
// N tokens/sec adds exactly N nano-tokens per elapsed nanosecond without
// float rounding drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket returns a bucket that starts full.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := n * nanoPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanoPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// rate tokens/sec == rate nano-tokens/ns; clamp before multiplying so a
	// long idle gap cannot overflow.
	if elapsed >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed * b.rate
}
