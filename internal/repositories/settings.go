package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
// Values are stored through EncryptedString, so settings that carry secrets
// (webhook signing keys, alert thresholds are harmless but get the same
// treatment) are opaque at rest.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var setting db.Setting
	err := r.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return string(setting.Value), nil
}

func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	setting := db.Setting{
		Key:   key,
		Value: db.EncryptedString(value),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&setting).Error
	if err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}

func (r *gormSettingsRepository) All(ctx context.Context) (map[string]string, error) {
	var settings []db.Setting
	if err := r.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Key] = string(s.Value)
	}
	return out, nil
}
