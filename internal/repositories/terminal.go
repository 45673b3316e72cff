package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormTerminalSessionRepository is the GORM implementation of
// TerminalSessionRepository.
type gormTerminalSessionRepository struct {
	db *gorm.DB
}

// NewTerminalSessionRepository returns a TerminalSessionRepository backed by
// the provided *gorm.DB.
func NewTerminalSessionRepository(db *gorm.DB) TerminalSessionRepository {
	return &gormTerminalSessionRepository{db: db}
}

func (r *gormTerminalSessionRepository) Create(ctx context.Context, session *db.TerminalSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("terminals: create: %w", err)
	}
	return nil
}

func (r *gormTerminalSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TerminalSession, error) {
	var session db.TerminalSession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("terminals: get by id: %w", err)
	}
	return &session, nil
}

func (r *gormTerminalSessionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.TerminalSession{}).
		Where("id = ? AND status = ?", id, db.TerminalStatusActive).
		Update("last_activity", at)
	if result.Error != nil {
		return fmt.Errorf("terminals: touch: %w", result.Error)
	}
	return nil
}

// Close writes a terminal status. Only active rows are updated, which makes a
// double close (idle timeout racing a client close) harmless.
func (r *gormTerminalSessionRepository) Close(ctx context.Context, id uuid.UUID, status string, endedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.TerminalSession{}).
		Where("id = ? AND status = ?", id, db.TerminalStatusActive).
		Updates(map[string]interface{}{
			"status":   status,
			"ended_at": endedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("terminals: close: %w", result.Error)
	}
	return nil
}

func (r *gormTerminalSessionRepository) ListActive(ctx context.Context) ([]db.TerminalSession, error) {
	var sessions []db.TerminalSession
	if err := r.db.WithContext(ctx).
		Where("status = ?", db.TerminalStatusActive).
		Order("started_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("terminals: list active: %w", err)
	}
	return sessions, nil
}

func (r *gormTerminalSessionRepository) List(ctx context.Context, hostID, userID uint, opts ListOptions) ([]db.TerminalSession, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).Model(&db.TerminalSession{})
	if hostID != 0 {
		q = q.Where("host_id = ?", hostID)
	}
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("terminals: list count: %w", err)
	}

	var sessions []db.TerminalSession
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("terminals: list: %w", err)
	}

	return sessions, total, nil
}

// MarkInterrupted reclassifies every session left active by a crash.
// Idempotent: a second run finds no active rows.
func (r *gormTerminalSessionRepository) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.TerminalSession{}).
		Where("status = ?", db.TerminalStatusActive).
		Updates(map[string]interface{}{
			"status":   db.TerminalStatusInterrupted,
			"ended_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("terminals: mark interrupted: %w", result.Error)
	}
	return result.RowsAffected, nil
}
