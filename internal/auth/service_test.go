package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/pkg/models"
)

func TestService(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService("test-secret", time.Hour)
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return now })

	t.Run("should require a secret", func(t *testing.T) {
		_, err := NewService("", time.Hour)
		assert.ErrorIs(t, err, ErrNoSecret)
	})

	t.Run("should round trip the account", func(t *testing.T) {
		token, err := svc.Issue("a1", models.RoleModerator)
		require.NoError(t, err)

		claims, err := svc.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "a1", claims.AccountID)
		assert.Equal(t, models.RoleModerator, claims.Role)
		assert.Equal(t, "a1", claims.Subject)
	})

	t.Run("should refuse an empty account", func(t *testing.T) {
		_, err := svc.Issue("", models.RoleUser)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("should report expiry", func(t *testing.T) {
		token, err := svc.Issue("a1", models.RoleUser)
		require.NoError(t, err)

		later, _ := NewService("test-secret", time.Hour)
		later.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
		_, err = later.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should refuse a foreign signature", func(t *testing.T) {
		other, _ := NewService("other-secret", time.Hour)
		other.SetClock(func() time.Time { return now })
		token, err := other.Issue("a1", models.RoleUser)
		require.NoError(t, err)

		_, err = svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should refuse unsigned tokens", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{AccountID: "a1"})
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should refuse garbage", func(t *testing.T) {
		_, err := svc.Verify("Bearer ")
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = svc.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
