// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client upgrade rate limiting using the
// token bucket algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if one upgrade attempt should be allowed.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter tracks a token bucket per client address so that one noisy
// client cannot exhaust the upgrade budget for everyone.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
}

// NewLimiter creates a new rate limiter with per-client tracking.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	return &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
	}
}

// Allow checks if an upgrade from the given client should be allowed.
// Unknown clients beyond maxClients are rejected until buckets are
// evicted, which keeps the map bounded.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		tb, exists = l.limiters[clientID]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.evict()
			}
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[clientID] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// evict drops buckets that are back at full capacity. Such clients have
// been idle long enough to re-earn their full budget, so losing the
// bucket does not change behavior. Caller must hold the write lock.
func (l *Limiter) evict() {
	for id, tb := range l.limiters {
		if tb.Available() == l.capacity {
			delete(l.limiters, id)
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
