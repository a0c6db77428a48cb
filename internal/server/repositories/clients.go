package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/canonical/testflinger/internal/server/db"
)

// -----------------------------------------------------------------------------
// PermissionRepository
// -----------------------------------------------------------------------------

// gormPermissionRepository is the GORM implementation of PermissionRepository.
type gormPermissionRepository struct {
	db *gorm.DB
}

// NewPermissionRepository returns a PermissionRepository backed by the
// provided *gorm.DB.
func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &gormPermissionRepository{db: db}
}

// Get retrieves a client's permission record by client id.
func (r *gormPermissionRepository) Get(ctx context.Context, clientID string) (*db.ClientPermission, error) {
	var rec db.ClientPermission
	err := r.db.WithContext(ctx).First(&rec, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get: %w", err)
	}
	return &rec, nil
}

// Put creates or replaces a client's permission record.
func (r *gormPermissionRepository) Put(ctx context.Context, rec *db.ClientPermission) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.ClientPermission
		err := tx.First(&existing, "client_id = ?", rec.ClientID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("clients: put create: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("clients: put read: %w", err)
		}

		rec.CreatedAt = existing.CreatedAt
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("clients: put update: %w", err)
		}
		return nil
	})
}

// Delete removes a client's permission record.
func (r *gormPermissionRepository) Delete(ctx context.Context, clientID string) error {
	result := r.db.WithContext(ctx).Where("client_id = ?", clientID).Delete(&db.ClientPermission{})
	if result.Error != nil {
		return fmt.Errorf("clients: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// TokenRepository
// -----------------------------------------------------------------------------

// gormTokenRepository is the GORM implementation of TokenRepository.
type gormTokenRepository struct {
	db *gorm.DB
}

// NewTokenRepository returns a TokenRepository backed by the provided *gorm.DB.
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &gormTokenRepository{db: db}
}

// Create stores a freshly issued refresh token.
func (r *gormTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("tokens: create: %w", err)
	}
	return nil
}

// Get retrieves a refresh token record by its opaque value.
func (r *gormTokenRepository) Get(ctx context.Context, token string) (*db.RefreshToken, error) {
	var rec db.RefreshToken
	err := r.db.WithContext(ctx).First(&rec, "token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: get: %w", err)
	}
	return &rec, nil
}

// Touch records a successful use of the token.
func (r *gormTokenRepository) Touch(ctx context.Context, token string, when time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("token = ?", token).
		Update("last_accessed", when)
	if result.Error != nil {
		return fmt.Errorf("tokens: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks the token revoked. The conditional UPDATE reports whether this
// call actually changed anything.
func (r *gormTokenRepository) Revoke(ctx context.Context, token string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("token = ? AND revoked = ?", token, false).
		Update("revoked", true)
	if result.Error != nil {
		return false, fmt.Errorf("tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&db.RefreshToken{}).
		Where("token = ?", token).Count(&count).Error; err != nil {
		return false, fmt.Errorf("tokens: revoke lookup: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// DeleteExpired removes tokens whose expiry has passed. Non-expiring tokens
// (NULL expires_at) are never touched.
func (r *gormTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&db.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
