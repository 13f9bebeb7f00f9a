// Package limiter throttles upstream calls per client after the gateway
// reports rate-limit violations.
package limiter

import (
	"context"
	"time"
)

// Throttle groups mirror the gateway's separate submit and status quotas.
const (
	GroupSubmit = "submit"
	GroupStatus = "status"
)

// Limiter tracks rate-limit responses and temporary lockouts per (client, group).
type Limiter interface {
	// Allow reports whether a call is currently allowed and an optional retry-after.
	Allow(ctx context.Context, clientID, group string) (bool, time.Duration, error)
	// Success resets counters after an accepted call.
	Success(ctx context.Context, clientID, group string) error
	// Failure records a rate-limit response; may place a temporary block.
	// retryAfter is the delay requested by the gateway, zero if none.
	Failure(ctx context.Context, clientID, group string, retryAfter time.Duration) (bool, time.Duration, error)
}

// blockDuration combines the gateway's requested delay with the local
// lockout that applies once maxFails consecutive violations are seen.
func blockDuration(fails, maxFails int, retryAfter, blockFor time.Duration) time.Duration {
	d := retryAfter
	if fails >= maxFails {
		d = max(d, blockFor)
	}
	return d
}
