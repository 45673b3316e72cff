package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormVaultKeyRepository is the GORM implementation of VaultKeyRepository.
// Soft deletion rides on gorm.DeletedAt: deleted rows are invisible to normal
// queries and reachable only via Unscoped when includeDeleted is requested.
type gormVaultKeyRepository struct {
	db *gorm.DB
}

// NewVaultKeyRepository returns a VaultKeyRepository backed by the provided *gorm.DB.
func NewVaultKeyRepository(db *gorm.DB) VaultKeyRepository {
	return &gormVaultKeyRepository{db: db}
}

func (r *gormVaultKeyRepository) Create(ctx context.Context, key *db.VaultKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("vaultkeys: create: %w", err)
	}
	return nil
}

func (r *gormVaultKeyRepository) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*db.VaultKey, error) {
	q := r.db.WithContext(ctx)
	if includeDeleted {
		q = q.Unscoped()
	}

	var key db.VaultKey
	err := q.First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vaultkeys: get by id: %w", err)
	}
	return &key, nil
}

func (r *gormVaultKeyRepository) GetByName(ctx context.Context, name string) (*db.VaultKey, error) {
	var key db.VaultKey
	err := r.db.WithContext(ctx).First(&key, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vaultkeys: get by name: %w", err)
	}
	return &key, nil
}

func (r *gormVaultKeyRepository) List(ctx context.Context, includeDeleted bool) ([]db.VaultKey, error) {
	q := r.db.WithContext(ctx)
	if includeDeleted {
		q = q.Unscoped()
	}

	var keys []db.VaultKey
	if err := q.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("vaultkeys: list: %w", err)
	}
	return keys, nil
}

func (r *gormVaultKeyRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.VaultKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("vaultkeys: soft delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
