// Package vault wraps SSH private keys with AES-256-GCM before they touch
// the database. Plaintext keys exist only in process memory, on their way
// into an SSH client handshake.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

var (
	// ErrInvalidKey is returned when the submitted PEM cannot be parsed as an
	// SSH private key.
	ErrInvalidKey = errors.New("vault: invalid private key")

	// ErrAlreadyExists is returned on a key name collision.
	ErrAlreadyExists = errors.New("vault: key name already exists")

	// ErrCorruptCiphertext is returned when GCM authentication fails on
	// decrypt. The stored row is damaged or was written under a different
	// master key.
	ErrCorruptCiphertext = errors.New("vault: ciphertext authentication failed")

	// ErrNotFound is returned when the requested key does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("vault: key not found")
)

const nonceSize = 12

// Service encrypts, stores and recovers SSH private keys.
type Service struct {
	repo   repositories.VaultKeyRepository
	aead   cipher.AEAD
	logger *zap.Logger
}

// New builds a vault service around the given master key. Any key material is
// accepted and stretched to 32 bytes with SHA-256. An empty master key yields
// a process-local random key: the vault works, but nothing written under it
// survives a restart; that is logged loudly rather than refused, so
// first-run evaluation works without configuration.
func New(repo repositories.VaultKeyRepository, masterKey string, logger *zap.Logger) (*Service, error) {
	var key [32]byte
	if masterKey == "" {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
		}
		logger.Warn("KEY_VAULT_MASTER_KEY is not set; using an ephemeral master key; encrypted SSH keys will NOT be readable after restart")
	} else {
		key = sha256.Sum256([]byte(masterKey))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	return &Service{repo: repo, aead: aead, logger: logger}, nil
}

// Create parses, fingerprints and encrypts a private key, then persists it.
// The returned record carries metadata only; callers must never serialize
// Ciphertext, IV or AuthTag across the HTTP boundary (the model's json tags
// enforce this).
func (s *Service) Create(ctx context.Context, name, privateKeyPEM, description string, userID uint) (*db.VaultKey, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, ErrInvalidKey
	}

	pub := signer.PublicKey()
	ciphertext, iv, authTag, err := s.seal([]byte(privateKeyPEM))
	if err != nil {
		return nil, err
	}

	key := &db.VaultKey{
		Name:        name,
		KeyType:     keyTypeLabel(pub.Type()),
		Fingerprint: ssh.FingerprintSHA256(pub),
		Description: description,
		Ciphertext:  ciphertext,
		IV:          iv,
		AuthTag:     authTag,
		PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		CreatedBy:   userID,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	s.logger.Info("vault key stored",
		zap.String("id", key.ID.String()),
		zap.String("name", key.Name),
		zap.String("fingerprint", key.Fingerprint))
	return key, nil
}

// GetMetadata returns the key row without decrypting anything.
func (s *Service) GetMetadata(ctx context.Context, id uuid.UUID, includeDeleted bool) (*db.VaultKey, error) {
	key, err := s.repo.GetByID(ctx, id, includeDeleted)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return key, nil
}

// List returns key metadata. Soft-deleted rows appear only when
// includeDeleted is set; that path is internal-only and never exposed over
// HTTP.
func (s *Service) List(ctx context.Context, includeDeleted bool) ([]db.VaultKey, error) {
	return s.repo.List(ctx, includeDeleted)
}

// GetPlaintext decrypts and returns the private key PEM. Soft-deleted keys
// are not decryptable through this path.
func (s *Service) GetPlaintext(ctx context.Context, id uuid.UUID) (string, error) {
	key, err := s.repo.GetByID(ctx, id, false)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	plaintext, err := s.open(key.Ciphertext, key.IV, key.AuthTag)
	if err != nil {
		s.logger.Error("vault key failed authentication on decrypt",
			zap.String("id", key.ID.String()),
			zap.String("name", key.Name))
		return "", ErrCorruptCiphertext
	}
	return string(plaintext), nil
}

// Delete soft-deletes the key. Ciphertext stays in the table for audit.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.repo.SoftDelete(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// seal encrypts plaintext and splits the GCM output into ciphertext and tag,
// which are stored in separate columns.
func (s *Service) seal(plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	iv = make([]byte, nonceSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	tagOffset := len(sealed) - s.aead.Overhead()
	return sealed[:tagOffset], iv, sealed[tagOffset:], nil
}

// open reassembles ciphertext||tag and decrypts.
func (s *Service) open(ciphertext, iv, authTag []byte) ([]byte, error) {
	if len(iv) != nonceSize {
		return nil, ErrCorruptCiphertext
	}
	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)
	return s.aead.Open(nil, iv, sealed, nil)
}

// keyTypeLabel maps the SSH wire algorithm name to the short labels the API
// reports.
func keyTypeLabel(wireType string) string {
	switch {
	case strings.HasPrefix(wireType, "ssh-rsa"):
		return "rsa"
	case strings.HasPrefix(wireType, "ssh-ed25519"):
		return "ed25519"
	case strings.HasPrefix(wireType, "ecdsa-"):
		return "ecdsa"
	case strings.HasPrefix(wireType, "ssh-dss"):
		return "dsa"
	default:
		return wireType
	}
}
