package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormAuditLogRepository is the GORM implementation of AuditLogRepository.
// The table is append-only: there is no update path and the only delete is
// the retention sweep.
type gormAuditLogRepository struct {
	db *gorm.DB
}

// NewAuditLogRepository returns an AuditLogRepository backed by the provided *gorm.DB.
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &gormAuditLogRepository{db: db}
}

func (r *gormAuditLogRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

func (r *gormAuditLogRepository) List(ctx context.Context, filter AuditFilter, opts ListOptions) ([]db.AuditLog, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).Model(&db.AuditLog{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list count: %w", err)
	}

	var entries []db.AuditLog
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}

	return entries, total, nil
}

func (r *gormAuditLogRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.AuditLog{}, "created_at < ?", t)
	if result.Error != nil {
		return 0, fmt.Errorf("audit: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
