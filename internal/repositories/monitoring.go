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

// gormMonitoringRepository is the GORM implementation of MonitoringRepository.
type gormMonitoringRepository struct {
	db *gorm.DB
}

// NewMonitoringRepository returns a MonitoringRepository backed by the provided *gorm.DB.
func NewMonitoringRepository(db *gorm.DB) MonitoringRepository {
	return &gormMonitoringRepository{db: db}
}

func (r *gormMonitoringRepository) Insert(ctx context.Context, sample *db.MonitoringHistory) error {
	if err := r.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("monitoring: insert: %w", err)
	}
	return nil
}

func (r *gormMonitoringRepository) ListRange(ctx context.Context, hostID uint, metricType string, from, to time.Time, opts ListOptions) ([]db.MonitoringHistory, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).
		Model(&db.MonitoringHistory{}).
		Where("host_id = ? AND timestamp >= ? AND timestamp <= ?", hostID, from, to)
	if metricType != "" {
		q = q.Where("metric_type = ?", metricType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("monitoring: list range count: %w", err)
	}

	var samples []db.MonitoringHistory
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp ASC").
		Find(&samples).Error; err != nil {
		return nil, 0, fmt.Errorf("monitoring: list range: %w", err)
	}

	return samples, total, nil
}

func (r *gormMonitoringRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.MonitoringHistory{}, "timestamp < ?", t)
	if result.Error != nil {
		return 0, fmt.Errorf("monitoring: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

func (r *gormMonitoringRepository) CreateAlert(ctx context.Context, alert *db.Alert) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("monitoring: create alert: %w", err)
	}
	return nil
}

func (r *gormMonitoringRepository) ListAlerts(ctx context.Context, filter AlertFilter, opts ListOptions) ([]db.Alert, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).Model(&db.Alert{})
	if filter.HostID != 0 {
		q = q.Where("host_id = ?", filter.HostID)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.IsRead != nil {
		q = q.Where("is_read = ?", *filter.IsRead)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("monitoring: list alerts count: %w", err)
	}

	var alerts []db.Alert
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("monitoring: list alerts: %w", err)
	}

	return alerts, total, nil
}

func (r *gormMonitoringRepository) MarkAlertRead(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Where("id = ?", id).
		Update("is_read", true)
	if result.Error != nil {
		return fmt.Errorf("monitoring: mark alert read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormMonitoringRepository) DeleteAlertsOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.Alert{}, "created_at < ?", t)
	if result.Error != nil {
		return 0, fmt.Errorf("monitoring: delete alerts older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Inventory
// -----------------------------------------------------------------------------

// gormInventoryRepository is the GORM implementation of InventoryRepository.
type gormInventoryRepository struct {
	db *gorm.DB
}

// NewInventoryRepository returns an InventoryRepository backed by the provided *gorm.DB.
func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &gormInventoryRepository{db: db}
}

// SaveCollected upserts the latest row and appends a history snapshot in one
// transaction, so a reader never sees a snapshot without a matching latest.
func (r *gormInventoryRepository) SaveCollected(ctx context.Context, hostID uint, collectedAt time.Time, data string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest := db.HostInventoryLatest{
			HostID:      hostID,
			CollectedAt: collectedAt,
			Data:        data,
		}
		// Upsert: update on conflict with the host_id primary key.
		if err := tx.Save(&latest).Error; err != nil {
			return fmt.Errorf("inventory: upsert latest: %w", err)
		}

		snapshot := db.HostInventorySnapshot{
			HostID:      hostID,
			CollectedAt: collectedAt,
			Data:        data,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return fmt.Errorf("inventory: append snapshot: %w", err)
		}
		return nil
	})
}

func (r *gormInventoryRepository) GetLatest(ctx context.Context, hostID uint) (*db.HostInventoryLatest, error) {
	var latest db.HostInventoryLatest
	err := r.db.WithContext(ctx).First(&latest, "host_id = ?", hostID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inventory: get latest: %w", err)
	}
	return &latest, nil
}

func (r *gormInventoryRepository) ListSnapshots(ctx context.Context, hostID uint, opts ListOptions) ([]db.HostInventorySnapshot, int64, error) {
	opts = opts.clamp()

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.HostInventorySnapshot{}).
		Where("host_id = ?", hostID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory: list snapshots count: %w", err)
	}

	var snapshots []db.HostInventorySnapshot
	if err := r.db.WithContext(ctx).
		Where("host_id = ?", hostID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("collected_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory: list snapshots: %w", err)
	}

	return snapshots, total, nil
}
