// Package ratelimit bounds how many admission attempts an API key may
// make inside a sliding window. It sits ahead of account scheduling, so
// a flooding key is turned away before any semaphore or quota work runs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Verdict is the outcome of one attempt against a key's window. Used
// includes the attempt itself when it was admitted.
type Verdict struct {
	Allowed    bool
	Used       int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	WindowEnds time.Time
}

type Limiter interface {
	Allow(ctx context.Context, apiKeyID string, limit int) Verdict
}

// MemoryLimiter tracks attempt timestamps per key in process memory.
// It backs a single gateway instance when Redis is unreachable, so its
// counts are local, not cluster-wide.
type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string][]time.Time
}

func NewMemory(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		window: window,
		seen:   make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, apiKeyID string, limit int) Verdict {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := pruneBefore(l.seen[apiKeyID], cutoff)
	if len(attempts) >= limit {
		l.seen[apiKeyID] = attempts
		oldest := attempts[0]
		return verdictFor(false, len(attempts), limit, oldest.Add(l.window), now)
	}
	attempts = append(attempts, now)
	l.seen[apiKeyID] = attempts
	return verdictFor(true, len(attempts), limit, attempts[0].Add(l.window), now)
}

// Sweep drops keys whose every attempt has aged out of the window. The
// gateway runs it from a background loop so idle keys free their memory.
func (l *MemoryLimiter) Sweep() {
	cutoff := time.Now().UTC().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, attempts := range l.seen {
		kept := pruneBefore(attempts, cutoff)
		if len(kept) == 0 {
			delete(l.seen, key)
			continue
		}
		l.seen[key] = kept
	}
}

func pruneBefore(attempts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(attempts) && !attempts[idx].After(cutoff) {
		idx++
	}
	return attempts[idx:]
}

func verdictFor(allowed bool, used, limit int, windowEnds, now time.Time) Verdict {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	v := Verdict{
		Allowed:    allowed,
		Used:       used,
		Limit:      limit,
		Remaining:  remaining,
		WindowEnds: windowEnds,
	}
	if !allowed {
		if wait := windowEnds.Sub(now); wait > 0 {
			v.RetryAfter = wait
		}
	}
	return v
}
