// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the per-(target, IP) fixed-window
// limiter. It is deliberately not built on
// golang.org/x/time/rate's token-bucket model: the contract here is
// an exact windowed counter with a derived Retry-After, not a refill
// rate, so a purpose-built bucket matches the algorithm precisely.
package ratelimit

import (
	"sync"
	"time"
)

// Target names the rate-limited operation classes.
type Target string

const (
	TargetUpload   Target = "upload"
	TargetDownload Target = "download"
	TargetDisk     Target = "disk"
	TargetList     Target = "list"
	TargetStatus   Target = "status"
	TargetAuth     Target = "auth"
	TargetFileOps  Target = "fileops"
)

// Rule configures one target's fixed window.
type Rule struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

type bucketKey struct {
	target Target
	ip     string
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter holds one RateBucket map guarded by a single mutex, per
// concurrent handlers.
type Limiter struct {
	mu    sync.Mutex
	rules map[Target]Rule
	buckets map[bucketKey]*bucket
	now   func() time.Time
}

// New builds a Limiter with rules. Targets absent from rules are
// treated as disabled (always allow).
func New(rules map[Target]Rule) *Limiter {
	cp := make(map[Target]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Limiter{
		rules:   cp,
		buckets: map[bucketKey]*bucket{},
		now:     time.Now,
	}
}

// SetRule updates a target's rule at runtime (e.g. from Settings).
func (l *Limiter) SetRule(target Target, rule Rule) {
	l.mu.Lock()
	l.rules[target] = rule
	l.mu.Unlock()
}

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed       bool
	RetryAfterSec int
}

// Check applies the fixed-window algorithm for
// (target, ip). Disabled rules (or targets with no configured rule)
// always allow.
func (l *Limiter) Check(target Target, ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[target]
	if !ok || !rule.Enabled {
		return Decision{Allowed: true}
	}

	now := l.now()
	key := bucketKey{target: target, ip: ip}
	b, exists := l.buckets[key]

	if !exists || now.Sub(b.windowStart) >= rule.Window {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return Decision{Allowed: true}
	}

	if b.count >= rule.MaxRequests {
		remaining := rule.Window - now.Sub(b.windowStart)
		retryAfter := int(remaining / time.Second)
		if remaining%time.Second != 0 {
			retryAfter++
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfterSec: retryAfter}
	}

	b.count++
	return Decision{Allowed: true}
}

// Reset clears every bucket. Intended for tests and admin resets.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = map[bucketKey]*bucket{}
	l.mu.Unlock()
}
