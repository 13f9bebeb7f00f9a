// Package etcd contains an etcd implementation of the token repository,
// used when several gateway replicas share tokens without a database.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/and161185/ogx-gateway/internal/crypto"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
)

const keyPrefix = "/ogx/v1/tokens/"

// KV is the subset of the etcd client used by TokenRepo. *clientv3.Client implements it.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
}

// Dial connects to the etcd cluster. The caller must Close the client.
func Dial(endpoints []string) (*clientv3.Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return c, nil
}

type record struct {
	TokenEnc  []byte    `json:"token_enc"`
	ExpiresAt time.Time `json:"expires_at"`
	SecretFP  []byte    `json:"secret_fp"`
}

// TokenRepo implements TokenRepository on etcd. Each token is written under
// a lease that ends with the token, so expired tokens disappear by themselves.
type TokenRepo struct {
	kv     KV
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewTokenRepo constructs an etcd-backed token repository.
func NewTokenRepo(kv KV, sealer *crypto.Sealer) *TokenRepo {
	return &TokenRepo{kv: kv, sealer: sealer, now: time.Now}
}

func key(clientID string) string { return keyPrefix + clientID }

// Get returns the stored token of a client.
func (r *TokenRepo) Get(ctx context.Context, clientID string) (*model.Token, error) {
	resp, err := r.kv.Get(ctx, key(clientID))
	if err != nil {
		return nil, fmt.Errorf("etcd get %q: %w", key(clientID), err)
	}
	if len(resp.Kvs) == 0 {
		return nil, errs.ErrNotFound
	}
	var rec record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %w", key(clientID), err)
	}
	plain, err := r.sealer.Open(clientID, rec.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("open token of %s: %w", clientID, err)
	}
	return &model.Token{
		ClientID:          clientID,
		AccessToken:       string(plain),
		ExpiresAt:         rec.ExpiresAt,
		SecretFingerprint: rec.SecretFP,
	}, nil
}

// Put writes the token under a lease bound to its expiry.
func (r *TokenRepo) Put(ctx context.Context, t model.Token) error {
	ttl := int64(math.Ceil(t.ExpiresAt.Sub(r.now()).Seconds()))
	if ttl <= 0 {
		return r.Delete(ctx, t.ClientID)
	}
	enc, err := r.sealer.Seal(t.ClientID, []byte(t.AccessToken))
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{TokenEnc: enc, ExpiresAt: t.ExpiresAt.UTC(), SecretFP: t.SecretFingerprint})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	lease, err := r.kv.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	if _, err := r.kv.Put(ctx, key(t.ClientID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %q: %w", key(t.ClientID), err)
	}
	return nil
}

// Delete removes the token of a client.
func (r *TokenRepo) Delete(ctx context.Context, clientID string) error {
	if _, err := r.kv.Delete(ctx, key(clientID)); err != nil {
		return fmt.Errorf("etcd delete %q: %w", key(clientID), err)
	}
	return nil
}
