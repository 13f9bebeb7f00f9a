package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/ogx-gateway/internal/crypto"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL. Access tokens are
// sealed before they are written.
type TokenRepo struct {
	db     *DB
	sealer *crypto.Sealer
}

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB, sealer *crypto.Sealer) *TokenRepo {
	return &TokenRepo{db: db, sealer: sealer}
}

// Get selects the stored token of a client.
func (r *TokenRepo) Get(ctx context.Context, clientID string) (*model.Token, error) {
	const q = `
SELECT token_enc, expires_at, secret_fp
FROM gateway_tokens WHERE client_id=$1`
	var (
		enc []byte
		t   = model.Token{ClientID: clientID}
	)
	if err := r.db.Pool.QueryRow(ctx, q, clientID).Scan(&enc, &t.ExpiresAt, &t.SecretFingerprint); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	plain, err := r.sealer.Open(clientID, enc)
	if err != nil {
		return nil, fmt.Errorf("open token of %s: %w", clientID, err)
	}
	t.AccessToken = string(plain)
	return &t, nil
}

// Put inserts or replaces the token of a client.
func (r *TokenRepo) Put(ctx context.Context, t model.Token) error {
	const q = `
INSERT INTO gateway_tokens (client_id, token_enc, expires_at, secret_fp, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (client_id) DO UPDATE
SET token_enc = EXCLUDED.token_enc, expires_at = EXCLUDED.expires_at,
    secret_fp = EXCLUDED.secret_fp, updated_at = EXCLUDED.updated_at`
	enc, err := r.sealer.Seal(t.ClientID, []byte(t.AccessToken))
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, q, t.ClientID, enc, t.ExpiresAt, t.SecretFingerprint, time.Now().UTC())
	return err
}

// Delete removes the token of a client. Deleting a missing token is not an error.
func (r *TokenRepo) Delete(ctx context.Context, clientID string) error {
	const q = `DELETE FROM gateway_tokens WHERE client_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, clientID)
	return err
}
