package limiter

import (
	"context"
	"sync"
	"time"
)

type throttleKey struct{ client, group string }

type throttleEntry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is a process-local limiter for single-replica deployments and tests.
type Memory struct {
	mu       sync.Mutex
	entries  map[throttleKey]*throttleEntry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		entries:  make(map[throttleKey]*throttleEntry),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow reports whether a call is currently allowed and a retry-after duration.
func (l *Memory) Allow(_ context.Context, clientID, group string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[throttleKey{clientID, group}]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (client, group).
func (l *Memory) Success(_ context.Context, clientID, group string) error {
	l.mu.Lock()
	delete(l.entries, throttleKey{clientID, group})
	l.mu.Unlock()
	return nil
}

// Failure records a rate-limit response; may set a block until a future time.
func (l *Memory) Failure(_ context.Context, clientID, group string, retryAfter time.Duration) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := throttleKey{clientID, group}
	e, ok := l.entries[k]
	if !ok {
		e = &throttleEntry{}
		l.entries[k] = e
	}
	if now.Sub(e.updatedAt) > l.window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now

	block := blockDuration(e.fails, l.maxFails, retryAfter, l.blockFor)
	if block <= 0 {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(block)
	return true, block, nil
}
