// Package backoff describes the bounded exponential retry schedules used for
// token refresh and message delivery.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy is an exponential schedule with jitter and an attempt ceiling.
// MaxAttempts counts the first try; zero means unbounded.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter is the +/- fraction applied to every delay, 0..1.
	Jitter float64 `yaml:"jitter"`
}

// DefaultTokenPolicy is used for credential exchange.
func DefaultTokenPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

// DefaultDeliveryPolicy is used between submission attempts.
func DefaultDeliveryPolicy() Policy {
	return Policy{MaxAttempts: 8, BaseDelay: 30 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Minute, Jitter: 0.2}
}

// Validate rejects schedules that cannot make progress.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return errors.New("backoff: max_attempts must be >= 0")
	case p.BaseDelay <= 0:
		return errors.New("backoff: base_delay must be > 0")
	case p.Multiplier < 1:
		return errors.New("backoff: multiplier must be >= 1")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("backoff: max_delay must be >= base_delay")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("backoff: jitter must be within 0..1")
	}
	return nil
}

// Exhausted reports whether attempts already made use up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// base is the un-jittered delay after the given failed attempt (1-based).
func (p Policy) base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns how long to wait after the given failed attempt (1-based),
// jittered and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.base(attempt)
	if p.Jitter > 0 {
		span := float64(d) * p.Jitter
		d += time.Duration(span * (2*rand.Float64() - 1))
	}
	return min(max(d, 0), p.MaxDelay)
}

// Backoff renders the policy for retry.Do. The returned value is stateful;
// build a new one per operation.
func (p Policy) Backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.base(attempt), false
	})
	if p.Jitter > 0 {
		b = retry.WithJitterPercent(uint64(p.Jitter*100), b)
	}
	b = retry.WithCappedDuration(p.MaxDelay, b)
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}
