package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the package-level AES-256 key used by EncryptedString.
// It must be initialized once at startup via InitEncryption before any
// database operation involving encrypted fields.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to encrypt and decrypt sensitive
// fields at rest (SSH passwords, webhook secrets, setting values). Any key
// material is accepted: it is stretched to exactly 32 bytes with SHA-256 so
// operators can supply a passphrase rather than raw key bytes.
//
// Call this once during application startup, before opening the database.
func InitEncryption(key []byte) error {
	if len(key) == 0 {
		return errors.New("db: encryption key must not be empty")
	}
	sum := sha256.Sum256(key)
	encryptionKey = sum[:]
	return nil
}

// EncryptedString is a string type that is transparently encrypted with
// AES-256-GCM before being written to the database, and decrypted after
// being read. Use it for any sensitive field (credentials, passwords, tokens).
//
// The value stored in the database is the raw binary nonce||ciphertext||tag
// sequence produced by GCM Seal, hex-encoded by the driver layer when the
// column is TEXT. An empty EncryptedString is stored as an empty string
// without encryption.
type EncryptedString string

// Value implements driver.Valuer. Called by GORM before writing to the
// database. Encrypts the string value with AES-256-GCM.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if encryptionKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: creating GCM: %w", err)
	}

	// A unique nonce per encryption is critical for GCM security: never
	// reuse a nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(e), nil)
	return fmt.Sprintf("%x", sealed), nil
}

// Scan implements sql.Scanner. Called by GORM after reading from the database.
// Decodes the hex string and decrypts it with AES-256-GCM. A failed auth tag
// means the stored value was written under a different master key or was
// tampered with; the error surfaces on the specific read, not the process.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if encryptionKey == nil {
		return errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}

	var data []byte
	if _, err := fmt.Sscanf(str, "%x", &data); err != nil {
		return fmt.Errorf("db: decoding encrypted value: %w", err)
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return fmt.Errorf("db: creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("db: encrypted value too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: decrypting value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
