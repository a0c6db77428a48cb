package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the package-level AES-256 key used by EncryptedString.
// It must be set once at startup via InitEncryption before any database
// operation that touches encrypted columns.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to encrypt and decrypt secret
// values at rest. key must be exactly 32 bytes.
//
// Call this once during server startup, before db.New:
//
//	if err := db.InitEncryption([]byte(os.Getenv("TESTFLINGER_SECRET_KEY"))); err != nil {
//	    log.Fatal(err)
//	}
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// EncryptionReady reports whether InitEncryption has been called. The
// database-backed secrets store refuses to start without a key.
func EncryptionReady() bool {
	return encryptionKey != nil
}

func newAEAD() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptedString is a string transparently encrypted with AES-256-GCM before
// being written to the database and decrypted after being read. Used for
// stored secret values.
//
// The database holds base64(nonce + ciphertext). An empty EncryptedString is
// stored as an empty string without encryption.
type EncryptedString string

// Value implements driver.Valuer. Called by GORM before writing.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}

	gcm, err := newAEAD()
	if err != nil {
		return nil, err
	}

	// A fresh random nonce per encryption is mandatory for GCM; reuse with
	// the same key breaks the scheme.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner. Called by GORM after reading.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: failed to decode base64: %w", err)
	}

	gcm, err := newAEAD()
	if err != nil {
		return err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("db: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: failed to decrypt value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
