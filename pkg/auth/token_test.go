package auth

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestIssueAndVerify(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Issue("user-123", TokenAccess, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, Identity{Subject: "user-123", TokenKind: TokenAccess}, id)

	id, err = v.Verify("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "user-123", id.Subject)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	other, err := NewJWTVerifier([]byte("different-secret")).Issue("user-123", TokenAccess, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt-token",
		"malformed":    "header.payload.signature",
		"wrong secret": other,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			require.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue("user-123", TokenAccess, time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	require.Equal(t, ErrExpiredToken, err)
}

func TestVerifyAccessRequiresAccessKind(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	refresh, err := v.Issue("user-123", TokenRefresh, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(refresh)
	require.NoError(t, err)
	require.Equal(t, TokenRefresh, id.TokenKind)

	_, err = VerifyAccess(v, refresh)
	require.True(t, errors.Is(err, ErrWrongTokenKind))
}
