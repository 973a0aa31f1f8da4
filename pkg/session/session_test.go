package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewManager([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("abc", "sess-1")
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "abc", claims.OpenID())
	assert.Equal(t, "sess-1", claims.SessionID)
}

func TestVerifyRejects(t *testing.T) {
	m, err := NewManager([]byte("test-secret"), time.Hour)
	require.NoError(t, err)
	token, err := m.Issue("abc", "")
	require.NoError(t, err)

	other, err := NewManager([]byte("other-secret"), time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// Expired
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	m, err := NewManager([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "abc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestRandomKey(t *testing.T) {
	a, err := NewManager(nil, 0)
	require.NoError(t, err)
	b, err := NewManager(nil, 0)
	require.NoError(t, err)

	assert.Equal(t, DefaultTTL, a.ttl)
	token, err := a.Issue("abc", "")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.Error(t, err)
}
