package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/auth"
	"github.com/canonical/testflinger/internal/types"
)

// AuthHandler serves the OAuth2-style token endpoints.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger.Named("auth_handler")}
}

// Token handles POST /v1/oauth2/token. Credentials arrive as HTTP basic
// auth; the response is a token pair.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		ErrUnauthorized(w, "client credentials required")
		return
	}

	pair, err := h.svc.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			ErrUnauthorized(w, "invalid client credentials")
			return
		}
		h.logger.Error("authentication failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, pair)
}

// refreshRequest is the body of the refresh and revoke endpoints.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /v1/oauth2/refresh, exchanging a refresh token for a
// new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenNotFound):
			ErrBadRequest(w, "unknown refresh token")
		case errors.Is(err, auth.ErrRefreshTokenRevoked):
			ErrBadRequest(w, "refresh token has been revoked")
		case errors.Is(err, auth.ErrTokenExpired):
			ErrBadRequest(w, "refresh token has expired")
		default:
			h.logger.Error("token refresh failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, pair)
}

// Revoke handles POST /v1/oauth2/revoke. Admin only.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w, "authentication required")
		return
	}
	if !claims.Permissions.Role.AtLeast(types.RoleAdmin) {
		ErrForbidden(w, "revoking tokens requires the admin role")
		return
	}

	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.svc.Revoke(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrRefreshTokenNotFound) {
			ErrBadRequest(w, "unknown refresh token")
			return
		}
		h.logger.Error("token revoke failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}
