package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/testflinger/internal/types"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testPermissions() types.ClientPermissions {
	return types.ClientPermissions{
		ClientID:      "lab-client",
		Role:          types.RoleContributor,
		MaxPriority:   map[string]int{"*": 100, "q1": 500},
		AllowedQueues: []string{"restricted-q"},
	}
}

func TestJWTRoundTrip(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	token, err := m.GenerateAccessToken(testPermissions())
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "access_token", claims.Subject)
	assert.NotNil(t, claims.IssuedAt)
	assert.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, "lab-client", claims.Permissions.ClientID)
	assert.Equal(t, types.RoleContributor, claims.Permissions.Role)
	assert.Equal(t, 500, claims.Permissions.EffectiveMaxPriority("q1"))
	assert.True(t, claims.Permissions.QueueAllowed("restricted-q"))

	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.Equal(t, AccessTokenLifetime, lifetime)
}

func TestJWTEmptyKeyRejected(t *testing.T) {
	_, err := NewJWTManager(nil)
	assert.Error(t, err)
}

func TestJWTExpiredToken(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	now := time.Now()
	expired := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access_token",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
		Permissions: testPermissions(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString(testKey)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestJWTMalformedToken(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	for _, bad := range []string{"", "garbage", "a.b.c"} {
		_, err := m.ValidateAccessToken(bad)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", bad)
	}
}

func TestJWTWrongKey(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)
	other, err := NewJWTManager([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	token, err := other.GenerateAccessToken(testPermissions())
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTWrongSubject(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "refresh_token",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTMissingIssuedAt(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access_token",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTRejectsNoneAlgorithm(t *testing.T) {
	m, err := NewJWTManager(testKey)
	require.NoError(t, err)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access_token",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
