package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/ogx-gateway/internal/backoff"
	"github.com/and161185/ogx-gateway/internal/crypto"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/repository"
	"github.com/and161185/ogx-gateway/internal/upstream"
)

// TokenIssuer exchanges client credentials for access tokens.
// *upstream.Client implements it.
type TokenIssuer interface {
	AcquireToken(ctx context.Context, clientID, secret string, ttl time.Duration) (upstream.Grant, error)
}

// Credentials resolves the secret of a gateway client.
type Credentials interface {
	Secret(clientID string) (string, bool)
}

// StaticCredentials is a fixed client id -> secret table.
type StaticCredentials map[string]string

// Secret implements Credentials.
func (c StaticCredentials) Secret(clientID string) (string, bool) {
	s, ok := c[clientID]
	return s, ok
}

// RefreshObserver is told about every refresh outcome ("success", "failure", "degraded").
type RefreshObserver interface {
	ObserveRefresh(result string)
}

// TokenConfig holds the token manager settings.
type TokenConfig struct {
	// RefreshMargin is how long before expiry a token stops being handed out.
	RefreshMargin time.Duration
	// RequestTTL is the lifetime asked for on refresh; zero lets the gateway decide.
	RequestTTL time.Duration
	// RefreshTimeout bounds one refresh including its retries.
	RefreshTimeout time.Duration
	Retry          backoff.Policy
}

// DefaultTokenConfig returns the settings used when none are configured.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		RefreshMargin:  5 * time.Minute,
		RefreshTimeout: 2 * time.Minute,
		Retry:          backoff.DefaultTokenPolicy(),
	}
}

// TokenOption customizes a TokenManager.
type TokenOption func(*TokenManager)

// WithRefreshObserver reports refresh outcomes to o.
func WithRefreshObserver(o RefreshObserver) TokenOption {
	return func(m *TokenManager) { m.observer = o }
}

// WithTokenClock replaces time.Now.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) { m.now = now }
}

// TokenManager hands out gateway access tokens. Tokens are cached in memory,
// shared with other replicas through the token store, and refreshed at most
// once at a time per client.
type TokenManager struct {
	issuer   TokenIssuer
	creds    Credentials
	store    repository.TokenRepository
	cfg      TokenConfig
	log      *zap.Logger
	observer RefreshObserver
	now      func() time.Time
	sf       singleflight.Group
	fpGroup  singleflight.Group

	mu       sync.RWMutex
	cache    map[string]model.Token
	inflight map[string]bool
	lastErr  map[string]error
	fps      map[string][]byte // clientID + "\x00" + secret -> fingerprint
}

// NewTokenManager wires a token manager. store may be nil.
func NewTokenManager(
	issuer TokenIssuer,
	creds Credentials,
	store repository.TokenRepository,
	cfg TokenConfig,
	log *zap.Logger,
	opts ...TokenOption,
) *TokenManager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &TokenManager{
		issuer:   issuer,
		creds:    creds,
		store:    store,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		cache:    make(map[string]model.Token),
		inflight: make(map[string]bool),
		lastErr:  make(map[string]error),
		fps:      make(map[string][]byte),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Token returns a token valid for at least the refresh margin, refreshing
// it when needed. Abandoning ctx does not cancel a shared refresh.
func (m *TokenManager) Token(ctx context.Context, clientID string) (model.Token, error) {
	secret, ok := m.creds.Secret(clientID)
	if !ok {
		return model.Token{}, ogx.NewAuthenticationError(ogx.CodeUnauthorized, 0,
			fmt.Errorf("%s: %w", clientID, errs.ErrUnknownClient))
	}
	fp := m.fingerprint(clientID, secret)
	now := m.now()

	if t, ok := m.fromCache(clientID, fp, now); ok {
		return t, nil
	}
	if t, ok := m.fromStore(ctx, clientID, fp, now); ok {
		return t, nil
	}

	ch := m.sf.DoChan(clientID, func() (any, error) {
		// A refresh that finished while this caller was reading the store
		// has already released the key; reuse its token.
		rctx := context.WithoutCancel(ctx)
		now := m.now()
		if t, ok := m.fromCache(clientID, fp, now); ok {
			return t, nil
		}
		if t, ok := m.fromStore(rctx, clientID, fp, now); ok {
			return t, nil
		}
		return m.refresh(rctx, clientID, secret, fp)
	})
	select {
	case <-ctx.Done():
		return model.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Token{}, res.Err
		}
		return res.Val.(model.Token), nil
	}
}

func (m *TokenManager) fromCache(clientID string, fp []byte, now time.Time) (model.Token, bool) {
	m.mu.RLock()
	t, ok := m.cache[clientID]
	m.mu.RUnlock()
	if !ok || !t.ValidFor(now, m.cfg.RefreshMargin) || !crypto.SameFingerprint(t.SecretFingerprint, fp) {
		return model.Token{}, false
	}
	return t, true
}

func (m *TokenManager) fromStore(ctx context.Context, clientID string, fp []byte, now time.Time) (model.Token, bool) {
	if m.store == nil {
		return model.Token{}, false
	}
	t, err := m.store.Get(ctx, clientID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			m.log.Warn("token store read failed", zap.String("client_id", clientID), zap.Error(err))
		}
		return model.Token{}, false
	}
	if !t.ValidFor(now, m.cfg.RefreshMargin) || !crypto.SameFingerprint(t.SecretFingerprint, fp) {
		return model.Token{}, false
	}
	m.mu.Lock()
	m.cache[clientID] = *t
	m.mu.Unlock()
	return *t, true
}

func (m *TokenManager) refresh(ctx context.Context, clientID, secret string, fp []byte) (model.Token, error) {
	m.setInflight(clientID, true)
	defer m.setInflight(clientID, false)

	if m.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		defer cancel()
	}

	var grant upstream.Grant
	attempt := 0
	err := retry.Do(ctx, m.cfg.Retry.Backoff(), func(ctx context.Context) error {
		attempt++
		g, err := m.issuer.AcquireToken(ctx, clientID, secret, m.cfg.RequestTTL)
		if err != nil {
			m.log.Warn("token refresh attempt failed",
				zap.String("client_id", clientID), zap.Int("attempt", attempt), zap.Error(err))
			if errors.Is(err, ogx.ErrAuthentication) {
				return err
			}
			return retry.RetryableError(err)
		}
		grant = g
		return nil
	})
	now := m.now()
	if err != nil {
		return m.degrade(clientID, fp, now, err)
	}

	tok := model.Token{
		ClientID:          clientID,
		AccessToken:       grant.AccessToken,
		ExpiresAt:         tokenExpiry(grant, now),
		SecretFingerprint: fp,
	}
	if m.store != nil {
		if err := m.store.Put(ctx, tok); err != nil {
			m.log.Warn("token store write failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	m.mu.Lock()
	m.cache[clientID] = tok
	delete(m.lastErr, clientID)
	m.mu.Unlock()

	m.observe("success")
	m.log.Info("token refreshed",
		zap.String("client_id", clientID), zap.Time("expires_at", tok.ExpiresAt), zap.Int("attempts", attempt))
	return tok, nil
}

// degrade falls back to a cached token that has not expired yet.
func (m *TokenManager) degrade(clientID string, fp []byte, now time.Time, cause error) (model.Token, error) {
	m.mu.Lock()
	m.lastErr[clientID] = cause
	old, ok := m.cache[clientID]
	m.mu.Unlock()

	if ok && old.ValidFor(now, 0) && crypto.SameFingerprint(old.SecretFingerprint, fp) {
		m.observe("degraded")
		m.log.Warn("token refresh failed, serving previous token",
			zap.String("client_id", clientID), zap.Time("expires_at", old.ExpiresAt), zap.Error(cause))
		return old, nil
	}
	m.observe("failure")
	if errors.Is(cause, ogx.ErrAuthentication) {
		return model.Token{}, cause
	}
	return model.Token{}, ogx.NewAuthenticationError(ogx.CodeUnauthorized, 0, cause)
}

// Invalidate drops the client's token so the next call refreshes it.
func (m *TokenManager) Invalidate(ctx context.Context, clientID string) error {
	m.mu.Lock()
	delete(m.cache, clientID)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, clientID)
}

// Status returns a snapshot of the client's cached token without the
// access token itself.
func (m *TokenManager) Status(clientID string) (model.Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.cache[clientID]
	t.ClientID = clientID
	t.AccessToken = ""
	t.Refreshing = m.inflight[clientID]
	return t, ok || t.Refreshing
}

// Healthy fails when some client's last refresh failed and it has no
// usable token left.
func (m *TokenManager) Healthy(_ context.Context) error {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bad []string
	for id := range m.lastErr {
		if t, ok := m.cache[id]; !ok || !t.ValidFor(now, 0) {
			bad = append(bad, id)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: no usable token for %s", errs.ErrUnauthorized, strings.Join(bad, ", "))
}

func (m *TokenManager) fingerprint(clientID, secret string) []byte {
	k := clientID + "\x00" + secret
	m.mu.RLock()
	fp, ok := m.fps[k]
	m.mu.RUnlock()
	if ok {
		return fp
	}
	v, _, _ := m.fpGroup.Do(k, func() (any, error) {
		fp := crypto.Fingerprint(clientID, []byte(secret))
		m.mu.Lock()
		m.fps[k] = fp
		m.mu.Unlock()
		return fp, nil
	})
	return v.([]byte)
}

func (m *TokenManager) setInflight(clientID string, v bool) {
	m.mu.Lock()
	if v {
		m.inflight[clientID] = true
	} else {
		delete(m.inflight, clientID)
	}
	m.mu.Unlock()
}

func (m *TokenManager) observe(result string) {
	if m.observer != nil {
		m.observer.ObserveRefresh(result)
	}
}

// tokenExpiry takes expires_in, else the JWT exp claim, else the default
// lifetime, capped at the maximum the gateway issues.
func tokenExpiry(g upstream.Grant, now time.Time) time.Time {
	ttl := g.ExpiresIn
	if ttl <= 0 {
		if exp, ok := jwtExpiry(g.AccessToken); ok {
			return earliest(exp, now.Add(ogx.MaxTokenTTL))
		}
		ttl = ogx.DefaultTokenTTL
	}
	return now.Add(min(ttl, ogx.MaxTokenTTL))
}

// jwtExpiry reads the exp claim without verifying the signature.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
