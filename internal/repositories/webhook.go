package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

func (r *gormWebhookRepository) Create(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var webhook db.Webhook
	err := r.db.WithContext(ctx).First(&webhook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &webhook, nil
}

func (r *gormWebhookRepository) Update(ctx context.Context, webhook *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(webhook)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the webhook; delivery rows are retained for audit.
func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error) {
	opts = opts.clamp()

	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Webhook{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list count: %w", err)
	}

	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&webhooks).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list: %w", err)
	}

	return webhooks, total, nil
}

// ListEnabledForEvent loads all enabled webhooks and filters the event-type
// subscription in Go. EventTypes is a JSON array or null; matching in SQL
// would require JSON1 on SQLite, and the webhook table is small.
func (r *gormWebhookRepository) ListEnabledForEvent(ctx context.Context, eventType string) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list enabled: %w", err)
	}

	matched := webhooks[:0]
	for _, w := range webhooks {
		if w.EventTypes == nil {
			matched = append(matched, w)
			continue
		}
		var types []string
		if err := json.Unmarshal([]byte(*w.EventTypes), &types); err != nil {
			// A malformed filter matches nothing rather than everything.
			continue
		}
		for _, t := range types {
			if t == eventType {
				matched = append(matched, w)
				break
			}
		}
	}
	return matched, nil
}

func (r *gormWebhookRepository) UpdateLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Webhook{}).
		Where("id = ?", id).
		Update("last_triggered_at", at)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update last triggered: %w", result.Error)
	}
	return nil
}

func (r *gormWebhookRepository) CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhooks: create delivery: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error) {
	opts = opts.clamp()

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("webhook_id = ?", webhookID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries count: %w", err)
	}

	var deliveries []db.WebhookDelivery
	if err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("delivered_at DESC").
		Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries: %w", err)
	}

	return deliveries, total, nil
}
