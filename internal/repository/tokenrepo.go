package repository

import (
	"context"

	"github.com/and161185/ogx-gateway/internal/model"
)

// TokenRepository persists gateway access tokens shared between replicas.
type TokenRepository interface {
	// Get loads the token of a client.
	Get(ctx context.Context, clientID string) (*model.Token, error)
	// Put stores or replaces the token of a client.
	Put(ctx context.Context, tok model.Token) error
	// Delete removes the token of a client. Missing tokens are not an error.
	Delete(ctx context.Context, clientID string) error
}
