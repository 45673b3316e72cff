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

// gormHostRepository is the GORM implementation of HostRepository.
type gormHostRepository struct {
	db *gorm.DB
}

// NewHostRepository returns a HostRepository backed by the provided *gorm.DB.
func NewHostRepository(db *gorm.DB) HostRepository {
	return &gormHostRepository{db: db}
}

func (r *gormHostRepository) Create(ctx context.Context, host *db.Host) error {
	if err := r.db.WithContext(ctx).Create(host).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("hosts: create: %w", err)
	}
	return nil
}

func (r *gormHostRepository) GetByID(ctx context.Context, id uint) (*db.Host, error) {
	var host db.Host
	err := r.db.WithContext(ctx).First(&host, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hosts: get by id: %w", err)
	}
	return &host, nil
}

func (r *gormHostRepository) GetByAddress(ctx context.Context, address string) (*db.Host, error) {
	var host db.Host
	err := r.db.WithContext(ctx).First(&host, "host = ?", address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hosts: get by address: %w", err)
	}
	return &host, nil
}

func (r *gormHostRepository) Update(ctx context.Context, host *db.Host) error {
	result := r.db.WithContext(ctx).Save(host)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("hosts: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormHostRepository) UpdateStatus(ctx context.Context, id uint, status string, lastSeen *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if lastSeen != nil {
		updates["last_seen"] = *lastSeen
	}
	result := r.db.WithContext(ctx).
		Model(&db.Host{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("hosts: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the host and everything hanging off it in one transaction:
// tasks, terminal sessions, alerts, inventory rows, monitoring history, notes.
func (r *gormHostRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&db.Host{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("hosts: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		for _, del := range []struct {
			model any
			query string
		}{
			{&db.Task{}, "host_id = ?"},
			{&db.TerminalSession{}, "host_id = ?"},
			{&db.Alert{}, "host_id = ?"},
			{&db.HostInventoryLatest{}, "host_id = ?"},
			{&db.HostInventorySnapshot{}, "host_id = ?"},
			{&db.MonitoringHistory{}, "host_id = ?"},
			{&db.HostNote{}, "host_id = ?"},
		} {
			if err := tx.Delete(del.model, del.query, id).Error; err != nil {
				return fmt.Errorf("hosts: cascade delete: %w", err)
			}
		}
		return nil
	})
}

func (r *gormHostRepository) List(ctx context.Context, filter HostFilter, opts ListOptions) ([]db.Host, int64, error) {
	opts = opts.clamp()

	q := r.db.WithContext(ctx).Model(&db.Host{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.GroupID != nil {
		q = q.Where("group_id = ?", *filter.GroupID)
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array of strings; a LIKE on the quoted
		// value is sufficient for equality filtering without a JSON1 build.
		q = q.Where("tags LIKE ?", `%"`+filter.Tag+`"%`)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("hosts: list count: %w", err)
	}

	var hosts []db.Host
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("id ASC").
		Find(&hosts).Error; err != nil {
		return nil, 0, fmt.Errorf("hosts: list: %w", err)
	}

	return hosts, total, nil
}

func (r *gormHostRepository) ListAll(ctx context.Context) ([]db.Host, error) {
	var hosts []db.Host
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("hosts: list all: %w", err)
	}
	return hosts, nil
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

func (r *gormHostRepository) CreateGroup(ctx context.Context, group *db.HostGroup) error {
	if err := r.db.WithContext(ctx).Create(group).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("hosts: create group: %w", err)
	}
	return nil
}

func (r *gormHostRepository) ListGroups(ctx context.Context) ([]db.HostGroup, error) {
	var groups []db.HostGroup
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("hosts: list groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup removes the group and detaches its hosts rather than deleting them.
func (r *gormHostRepository) DeleteGroup(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Host{}).
			Where("group_id = ?", id).
			Update("group_id", nil).Error; err != nil {
			return fmt.Errorf("hosts: detach group members: %w", err)
		}
		result := tx.Delete(&db.HostGroup{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("hosts: delete group: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Notes
// -----------------------------------------------------------------------------

func (r *gormHostRepository) AddNote(ctx context.Context, note *db.HostNote) error {
	if err := r.db.WithContext(ctx).Create(note).Error; err != nil {
		return fmt.Errorf("hosts: add note: %w", err)
	}
	return nil
}

func (r *gormHostRepository) ListNotes(ctx context.Context, hostID uint, opts ListOptions) ([]db.HostNote, int64, error) {
	opts = opts.clamp()

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.HostNote{}).
		Where("host_id = ?", hostID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("hosts: list notes count: %w", err)
	}

	var notes []db.HostNote
	if err := r.db.WithContext(ctx).
		Where("host_id = ?", hostID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&notes).Error; err != nil {
		return nil, 0, fmt.Errorf("hosts: list notes: %w", err)
	}

	return notes, total, nil
}

func (r *gormHostRepository) DeleteNote(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.HostNote{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("hosts: delete note: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
