package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when client_id/client_secret do not
	// match a stored client. Deliberately indistinguishable from an unknown
	// client id to avoid client enumeration.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when an access or refresh token has expired.
	// HTTP layer maps this to 401 so callers know to re-authenticate.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	// HTTP layer maps this to 403 — a malformed token is not fixed by retrying.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when a presented refresh token is
	// not in the store.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrRefreshTokenRevoked is returned when a presented refresh token was
	// revoked by an administrator.
	ErrRefreshTokenRevoked = errors.New("auth: refresh token revoked")
)
