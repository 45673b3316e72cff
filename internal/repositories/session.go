package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) GetByToken(ctx context.Context, token string) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by token: %w", err)
	}
	return &session, nil
}

func (r *gormSessionRepository) Delete(ctx context.Context, token string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "token = ?", token).Error; err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) DeleteForUser(ctx context.Context, userID uint) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("sessions: delete for user: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.Session{}, "expires_at < ?", time.Now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("sessions: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
