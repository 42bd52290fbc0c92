package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("k1", "cesfam-portal", 15*time.Minute)

	token, err := issuer.Issue("123456785", "paciente@cesfam.cl")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), token.ExpiresAt, 5*time.Second)

	p, err := issuer.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "123456785", p.RUT)
	assert.Equal(t, "paciente@cesfam.cl", p.Email)
}

func TestTokenRejected(t *testing.T) {
	issuer := NewTokenIssuer("k1", "cesfam-portal", time.Minute)
	token, err := issuer.Issue("123456785", "paciente@cesfam.cl")
	require.NoError(t, err)

	t.Run("other key", func(t *testing.T) {
		_, err := NewTokenIssuer("k2", "cesfam-portal", time.Minute).Verify(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other issuer", func(t *testing.T) {
		_, err := NewTokenIssuer("k1", "someone-else", time.Minute).Verify(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenIssuer("k1", "cesfam-portal", time.Minute)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.Verify(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "123456785", Issuer: "cesfam-portal"},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.Verify(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{RUT: "123456785"})
	p, ok := PrincipalFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "123456785", p.RUT)
}

func TestPasswordHasher(t *testing.T) {
	h := PasswordHasher{Cost: 4}
	hash, err := h.Hash("secreto1")
	require.NoError(t, err)
	assert.NotEqual(t, "secreto1", hash)

	assert.NoError(t, h.Verify("secreto1", hash))
	assert.ErrorIs(t, h.Verify("otra", hash), ErrInvalidCredentials)
}
