package secrets

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/canonical/testflinger/internal/server/db"
)

// DatabaseStore keeps secrets in the relational database, encrypted at rest
// with the deployment's data encryption key. It is the zero-extra-infra
// alternative to Vault for small deployments.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore wires a store over gdb. The data encryption key must have
// been installed with db.InitEncryption first; refusing to start without it
// beats silently writing plaintext.
func NewDatabaseStore(gdb *gorm.DB) (*DatabaseStore, error) {
	if !db.EncryptionReady() {
		return nil, errors.New("secrets: database store requires the data encryption key, set TESTFLINGER_SECRET_KEY")
	}
	return &DatabaseStore{db: gdb}, nil
}

func (s *DatabaseStore) Read(ctx context.Context, namespace, path string) (string, error) {
	var rec db.Secret
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND path = ?", namespace, path).
		First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", &AccessError{Namespace: namespace, Path: path, Err: err}
	case err != nil:
		// Decryption failures surface here too: the row scanned but the
		// ciphertext did not open with the current key.
		return "", &StoreError{Op: "read", Err: err}
	}
	return string(rec.Value), nil
}

func (s *DatabaseStore) Write(ctx context.Context, namespace, path, value string) error {
	rec := db.Secret{
		ClientID: namespace,
		Path:     path,
		Value:    db.EncryptedString(value),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

func (s *DatabaseStore) Delete(ctx context.Context, namespace, path string) error {
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND path = ?", namespace, path).
		Delete(&db.Secret{}).Error
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}
