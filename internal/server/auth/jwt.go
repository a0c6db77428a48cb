package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/canonical/testflinger/internal/types"
)

const (
	// AccessTokenLifetime defines how long an access token remains valid.
	// Deliberately tiny — permissions are embedded in the token, and a short
	// lifetime keeps permission changes from outliving revocation by more
	// than half a minute. Refresh tokens handle session continuity.
	AccessTokenLifetime = 30 * time.Second

	// accessTokenSubject is the fixed sub claim. Decoding requires it, which
	// stops refresh tokens or third-party JWTs from passing as access tokens.
	accessTokenSubject = "access_token"
)

// Claims holds the claims embedded in every access token: the standard
// exp/iat/sub triple plus the client's full permission document, so request
// authorization never needs a database read.
type Claims struct {
	jwt.RegisteredClaims

	Permissions types.ClientPermissions `json:"permissions"`
}

// JWTManager signs and verifies access tokens with HMAC-SHA256.
type JWTManager struct {
	signingKey []byte
}

// NewJWTManager returns a JWTManager using the given HMAC key.
// The key comes from the JWT_SIGNING_KEY environment variable in production.
func NewJWTManager(signingKey []byte) (*JWTManager, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("auth: signing key must not be empty")
	}
	key := make([]byte, len(signingKey))
	copy(key, signingKey)
	return &JWTManager{signingKey: key}, nil
}

// GenerateAccessToken creates a signed HS256 token carrying the client's
// permissions, valid for AccessTokenLifetime.
func (m *JWTManager) GenerateAccessToken(permissions types.ClientPermissions) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accessTokenSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenLifetime)),
		},
		Permissions: permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a token string. exp, iat, and the
// fixed sub are all required.
//
// Callers use errors.Is(err, auth.ErrTokenExpired) to distinguish an expired
// token (retry after refresh, 401) from a tampered or malformed one (403).
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but HMAC to prevent alg confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.signingKey, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithSubject(accessTokenSubject),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.IssuedAt == nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
