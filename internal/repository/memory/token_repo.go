package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
)

// TokenRepo implements TokenRepository in memory.
type TokenRepo struct {
	mu     sync.RWMutex
	tokens map[string]model.Token
}

// NewTokenRepo constructs an empty in-memory token repository.
func NewTokenRepo() *TokenRepo {
	return &TokenRepo{tokens: make(map[string]model.Token)}
}

// Get returns the stored token of a client.
func (r *TokenRepo) Get(_ context.Context, clientID string) (*model.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[clientID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	t.SecretFingerprint = bytes.Clone(t.SecretFingerprint)
	return &t, nil
}

// Put inserts or replaces the token of a client.
func (r *TokenRepo) Put(_ context.Context, t model.Token) error {
	t.Refreshing = false
	t.SecretFingerprint = bytes.Clone(t.SecretFingerprint)
	r.mu.Lock()
	r.tokens[t.ClientID] = t
	r.mu.Unlock()
	return nil
}

// Delete removes the token of a client.
func (r *TokenRepo) Delete(_ context.Context, clientID string) error {
	r.mu.Lock()
	delete(r.tokens, clientID)
	r.mu.Unlock()
	return nil
}
