package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/types"
)

const (
	// refreshTokenBytes is the length of the random refresh token before
	// URL-safe base64 encoding.
	refreshTokenBytes = 48

	// refreshTokenLifetime is the default refresh token validity. Admin and
	// manager clients receive non-expiring tokens instead — their credentials
	// back long-lived lab automation.
	refreshTokenLifetime = 30 * 24 * time.Hour
)

// TokenPair is the response body of the token and refresh endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service is the entry point for all authentication operations.
// The REST layer depends on Service, never on JWTManager directly.
type Service struct {
	perms  repositories.PermissionRepository
	tokens repositories.TokenRepository
	jwt    *JWTManager
}

// NewService creates an auth Service with the given dependencies.
func NewService(perms repositories.PermissionRepository, tokens repositories.TokenRepository, jwt *JWTManager) *Service {
	return &Service{perms: perms, tokens: tokens, jwt: jwt}
}

// JWTManager exposes the token verifier for the authentication middleware.
func (s *Service) JWTManager() *JWTManager {
	return s.jwt
}

// Authenticate validates client_id/client_secret and returns a fresh token
// pair on success.
func (s *Service) Authenticate(ctx context.Context, clientID, clientSecret string) (*TokenPair, error) {
	rec, err := s.perms.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching client: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(clientSecret)) != nil {
		return nil, ErrInvalidCredentials
	}

	permissions, err := PermissionsFromRecord(rec)
	if err != nil {
		return nil, err
	}

	access, err := s.jwt.GenerateAccessToken(permissions)
	if err != nil {
		return nil, err
	}

	refresh, err := s.issueRefreshToken(ctx, rec.ClientID, permissions.Role)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(AccessTokenLifetime.Seconds()),
	}, nil
}

// Refresh exchanges a stored refresh token for a new access token. The
// refresh token itself is not rotated; its last_accessed timestamp is
// updated so operators can spot stale credentials.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	if rawToken == "" {
		return nil, ErrRefreshTokenNotFound
	}

	stored, err := s.tokens.Get(ctx, rawToken)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}
	if stored.Revoked {
		return nil, ErrRefreshTokenRevoked
	}
	if stored.ExpiresAt != nil && time.Now().After(*stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	rec, err := s.perms.Get(ctx, stored.ClientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Client was deleted after the token was issued.
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching client: %w", err)
	}

	permissions, err := PermissionsFromRecord(rec)
	if err != nil {
		return nil, err
	}
	access, err := s.jwt.GenerateAccessToken(permissions)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Touch(ctx, rawToken, time.Now().UTC()); err != nil &&
		!errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: touching refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rawToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(AccessTokenLifetime.Seconds()),
	}, nil
}

// Revoke marks a refresh token revoked. Returns false when it was already
// revoked, ErrRefreshTokenNotFound when it does not exist. Authorization
// (admin only) is enforced by the HTTP layer.
func (s *Service) Revoke(ctx context.Context, rawToken string) (bool, error) {
	modified, err := s.tokens.Revoke(ctx, rawToken)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, ErrRefreshTokenNotFound
		}
		return false, fmt.Errorf("auth: revoking refresh token: %w", err)
	}
	return modified, nil
}

// ValidateAccessToken parses and verifies a JWT access token.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwt.ValidateAccessToken(tokenString)
}

func (s *Service) issueRefreshToken(ctx context.Context, clientID string, role types.Role) (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generating refresh token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now().UTC()
	token := &db.RefreshToken{
		Token:        raw,
		ClientID:     clientID,
		IssuedAt:     now,
		LastAccessed: now,
	}
	if role != types.RoleAdmin && role != types.RoleManager {
		expiry := now.Add(refreshTokenLifetime)
		token.ExpiresAt = &expiry
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return "", fmt.Errorf("auth: storing refresh token: %w", err)
	}
	return raw, nil
}

// HashSecret returns the bcrypt hash of a client secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing secret: %w", err)
	}
	return string(hash), nil
}

// PermissionsFromRecord decodes a stored permission row into the wire-level
// permissions document embedded in access tokens.
func PermissionsFromRecord(rec *db.ClientPermission) (types.ClientPermissions, error) {
	permissions := types.ClientPermissions{
		ClientID: rec.ClientID,
		Role:     types.Role(rec.Role),
	}
	if rec.MaxPriority != "" {
		if err := json.Unmarshal([]byte(rec.MaxPriority), &permissions.MaxPriority); err != nil {
			return permissions, fmt.Errorf("auth: decoding max_priority: %w", err)
		}
	}
	if rec.AllowedQueues != "" {
		if err := json.Unmarshal([]byte(rec.AllowedQueues), &permissions.AllowedQueues); err != nil {
			return permissions, fmt.Errorf("auth: decoding allowed_queues: %w", err)
		}
	}
	if rec.MaxReservationTime != "" {
		if err := json.Unmarshal([]byte(rec.MaxReservationTime), &permissions.MaxReservationTime); err != nil {
			return permissions, fmt.Errorf("auth: decoding max_reservation_time: %w", err)
		}
	}
	return permissions, nil
}

// RecordFromPermissions encodes a permissions document into a storable row.
// The secret hash is carried separately since permissions updates may leave
// the secret unchanged.
func RecordFromPermissions(permissions types.ClientPermissions, secretHash string) (*db.ClientPermission, error) {
	maxPriority, err := json.Marshal(orEmptyMap(permissions.MaxPriority))
	if err != nil {
		return nil, fmt.Errorf("auth: encoding max_priority: %w", err)
	}
	allowed, err := json.Marshal(orEmptySlice(permissions.AllowedQueues))
	if err != nil {
		return nil, fmt.Errorf("auth: encoding allowed_queues: %w", err)
	}
	maxReservation, err := json.Marshal(orEmptyMap(permissions.MaxReservationTime))
	if err != nil {
		return nil, fmt.Errorf("auth: encoding max_reservation_time: %w", err)
	}
	return &db.ClientPermission{
		ClientID:           permissions.ClientID,
		SecretHash:         secretHash,
		Role:               string(permissions.Role),
		MaxPriority:        string(maxPriority),
		AllowedQueues:      string(allowed),
		MaxReservationTime: string(maxReservation),
	}, nil
}

func orEmptyMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
