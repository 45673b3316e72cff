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

// gormTaskRepository is the GORM implementation of TaskRepository.
//
// Status writes are guarded with WHERE clauses on the current status so the
// progression stays monotone even when the engine, a cancel request and crash
// recovery race each other: a terminal status can never be overwritten.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

func (r *gormTaskRepository) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status = ?", id, db.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":     db.TaskStatusRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("tasks: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRepository) Finish(ctx context.Context, id uuid.UUID, status string, exitCode *int, stdout, stderr *string, finishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status IN ?", id, []string{db.TaskStatusQueued, db.TaskStatusRunning}).
		Updates(map[string]interface{}{
			"status":      status,
			"exit_code":   exitCode,
			"stdout":      stdout,
			"stderr":      stderr,
			"finished_at": finishedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("tasks: finish: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRepository) List(ctx context.Context, filter TaskFilter, opts ListOptions) ([]db.Task, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).Model(&db.Task{})
	if filter.HostID != 0 {
		q = q.Where("host_id = ?", filter.HostID)
	}
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}

	var tasks []db.Task
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}

	return tasks, total, nil
}

func (r *gormTaskRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status = ?", status).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("tasks: count by status: %w", err)
	}
	return total, nil
}

// MarkInterrupted reclassifies every task found running at process start.
// Running twice is a no-op the second time: there are no running rows left.
func (r *gormTaskRepository) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status = ?", db.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":      db.TaskStatusInterrupted,
			"finished_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("tasks: mark interrupted: %w", result.Error)
	}
	return result.RowsAffected, nil
}
