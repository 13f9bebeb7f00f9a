package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const clientIDKey ctxKey = "ogx.clientID"

// WithClientID stores the authenticated gateway client id in context.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// ClientIDFromCtx fetches the gateway client id from context.
func ClientIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok && id != ""
}

// IssueOperatorToken signs an HS256 token whose subject is the gateway
// client id the operator acts for.
func IssueOperatorToken(clientID string, key []byte, ttl time.Duration, now time.Time) (string, error) {
	if clientID == "" {
		return "", errors.New("empty client id")
	}
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// AuthUnary verifies "authorization: Bearer <JWT>" on operator API calls
// and stores the token subject as the client id. known may be nil; when
// set, subjects it rejects are refused. Other services pass through.
// Rejections are logged here; install it ahead of LoggingUnary.
func AuthUnary(signKey []byte, known func(clientID string) bool, log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := "/" + ServiceName + "/"
	reject := func(ctx context.Context, method string, code codes.Code, msg string) error {
		log.Info("grpc auth rejected",
			zap.String("method", method),
			zap.String("code", code.String()),
			zap.String("peer", remoteAddr(ctx)),
			zap.String("reason", msg))
		return status.Error(code, msg)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		id, err := clientIDFromToken(ctx, signKey)
		if err != nil {
			return nil, reject(ctx, info.FullMethod, codes.Unauthenticated, err.Error())
		}
		if known != nil && !known(id) {
			return nil, reject(ctx, info.FullMethod, codes.PermissionDenied, "unknown client")
		}
		return next(WithClientID(ctx, id), req)
	}
}

// clientIDFromToken extracts the bearer token, verifies HS256 and returns the subject.
func clientIDFromToken(ctx context.Context, signKey []byte) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token without subject")
	}
	return claims.Subject, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
