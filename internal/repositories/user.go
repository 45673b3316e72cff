package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uint) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormUserRepository) UpdateLastLogin(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", id).
		Update("last_login", at)
	if result.Error != nil {
		return fmt.Errorf("users: update last login: %w", result.Error)
	}
	return nil
}

// Delete removes a user inside a transaction that first verifies at least one
// other active admin remains. Without the transaction a concurrent delete of
// two admins could leave zero.
func (r *gormUserRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user db.User
		if err := tx.First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("users: delete lookup: %w", err)
		}

		if user.Role == db.RoleAdmin && user.IsActive {
			var admins int64
			if err := tx.Model(&db.User{}).
				Where("role = ? AND is_active = ? AND id <> ?", db.RoleAdmin, true, id).
				Count(&admins).Error; err != nil {
				return fmt.Errorf("users: counting remaining admins: %w", err)
			}
			if admins == 0 {
				return ErrLastAdmin
			}
		}

		if err := tx.Delete(&db.User{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete: %w", err)
		}
		// Invalidate any opaque sessions the user still holds.
		if err := tx.Delete(&db.Session{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete sessions: %w", err)
		}
		return nil
	})
}

func (r *gormUserRepository) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	opts = opts.clamp()

	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("id ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}

func (r *gormUserRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("users: count: %w", err)
	}
	return total, nil
}

func (r *gormUserRepository) CountActiveAdmins(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("role = ? AND is_active = ?", db.RoleAdmin, true).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("users: count active admins: %w", err)
	}
	return total, nil
}

// isUniqueViolation reports whether err stems from a unique constraint.
// GORM surfaces gorm.ErrDuplicatedKey for drivers with translated errors;
// the modernc sqlite driver reports constraint failures as plain strings.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
