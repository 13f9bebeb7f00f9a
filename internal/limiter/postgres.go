package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter with a sliding window and lockout,
// shared by all gateway replicas.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return NewPGWithQuerier(pool, window, maxFails, blockFor)
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether a call is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, clientID, group string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM upstream_throttle WHERE client_id=$1 AND throttle_group=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, clientID, group).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (client, group).
func (l *PG) Success(ctx context.Context, clientID, group string) error {
	const q = `
INSERT INTO upstream_throttle (client_id, throttle_group, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (client_id, throttle_group)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, clientID, group)
	return err
}

// Failure records a rate-limit response; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, clientID, group string, retryAfter time.Duration) (bool, time.Duration, error) {
	const q = `
INSERT INTO upstream_throttle (client_id, throttle_group, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (client_id, throttle_group) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - upstream_throttle.updated_at > $3::interval THEN 1 ELSE upstream_throttle.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, clientID, group, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	block := blockDuration(fails, l.maxFails, retryAfter, l.blockFor)
	if block <= 0 {
		return false, 0, nil
	}
	const upd = `UPDATE upstream_throttle SET blocked_until=$3 WHERE client_id=$1 AND throttle_group=$2`
	if _, err := l.pool.Exec(ctx, upd, clientID, group, l.now().Add(block)); err != nil {
		return false, 0, err
	}
	return true, block, nil
}
