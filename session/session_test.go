package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/cache"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(secret, cache.NewMemoryBackend(0, DefaultTTL), opts...)
	require.NoError(t, err)
	return s
}

func TestCreateVerifyRevoke(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	token, err := s.CreateToken(ctx, "ada_lovelace_x1z@lmsmail.com")
	require.NoError(t, err)

	who, err := s.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ada_lovelace_x1z@lmsmail.com", who)

	require.NoError(t, s.Revoke(ctx, "ada_lovelace_x1z@lmsmail.com"))
	_, err = s.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExpiredTokenRejected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newStore(t, WithTTL(time.Hour), WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	token, err := s.CreateToken(ctx, "ada@lmsmail.com")
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyFailuresAreUniform(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OrgEmail: "ada@lmsmail.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"ada@lmsmail.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("another-secret-of-32-bytes-long!"))
	require.NoError(t, err)

	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OrgEmail: "ada@lmsmail.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"mallory@lmsmail.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	// Valid signature but never recorded server-side.
	unrecorded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OrgEmail: "bob@lmsmail.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"bob@lmsmail.com"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"forged":         forged,
		"wrong audience": wrongAudience,
		"unrecorded":     unrecorded,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(ctx, token)
			assert.Equal(t, ErrUnauthorized, err)
		})
	}
}

func TestShortSecretRejected(t *testing.T) {
	_, err := New([]byte("short"), cache.NewMemoryBackend(0, DefaultTTL))
	assert.Error(t, err)
}
