// Package session issues signed, time-limited access tokens for librarians
// and mirrors each one with a server-side key so logout takes effect before
// the token expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"library-lending/cache"
)

// DefaultTTL matches the lifetime of the revocation key.
const DefaultTTL = 5 * 24 * time.Hour

const issuer = "library-lending"

// ErrUnauthorized is the only error Verify returns. Expired, forged, revoked
// and unverifiable tokens are indistinguishable to the caller.
var ErrUnauthorized = errors.New("unauthorized access to resource")

// Claims binds a token to its principal.
type Claims struct {
	OrgEmail string `json:"orgEmail"`
	jwt.RegisteredClaims
}

// Store creates, verifies and revokes tokens.
type Store struct {
	secret  []byte
	ttl     time.Duration
	backend cache.Backend
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store signing with secret. backend must expire keys after
// the same TTL as the tokens (see cache.NewMemoryBackend).
func New(secret []byte, backend cache.Backend, opts ...Option) (*Store, error) {
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	s := &Store{
		secret:  secret,
		ttl:     DefaultTTL,
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL is the lifetime of issued tokens.
func (s *Store) TTL() time.Duration { return s.ttl }

// Key is the revocation key of principal.
func Key(principal string) string { return "auth_" + principal }

// CreateToken signs a token for principal and records it server-side.
func (s *Store) CreateToken(ctx context.Context, principal string) (string, error) {
	if principal == "" {
		return "", errors.New("create token: empty principal")
	}
	now := s.now()
	claims := Claims{
		OrgEmail: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principal,
			Audience:  jwt.ClaimStrings{principal},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := s.backend.Set(ctx, Key(principal), token); err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}
	return token, nil
}

// Verify returns the principal of a valid, unrevoked token.
func (s *Store) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return "", ErrUnauthorized
	}
	if claims.OrgEmail == "" || !slices.Contains(claims.Audience, claims.OrgEmail) {
		s.logger.Debug("token audience mismatch", zap.String("principal", claims.OrgEmail))
		return "", ErrUnauthorized
	}

	_, ok, err := s.backend.Get(ctx, Key(claims.OrgEmail))
	if err != nil {
		s.logger.Warn("session lookup failed", zap.String("principal", claims.OrgEmail), zap.Error(err))
		return "", ErrUnauthorized
	}
	if !ok {
		return "", ErrUnauthorized
	}
	return claims.OrgEmail, nil
}

// Revoke deletes the server-side key; tokens of principal stop verifying.
func (s *Store) Revoke(ctx context.Context, principal string) error {
	if err := s.backend.Del(ctx, Key(principal)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
