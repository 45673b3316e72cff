package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// Bus is the single publication point for domain events. Publishing writes
// the audit row synchronously on the caller's goroutine, so the audit trail
// is linearized with the originating domain write; webhook fan-out is
// asynchronous and best-effort.
type Bus struct {
	audit      repositories.AuditLogRepository
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewBus builds a bus. The dispatcher may be nil (e.g. in tests), in which
// case events only reach the audit log.
func NewBus(audit repositories.AuditLogRepository, dispatcher *Dispatcher, logger *zap.Logger) *Bus {
	return &Bus{audit: audit, dispatcher: dispatcher, logger: logger}
}

// Publish records the event. An audit write failure is logged but never
// fails the originating request.
func (b *Bus) Publish(ctx context.Context, event Event) {
	meta := "{}"
	if len(event.Meta) > 0 {
		if raw, err := json.Marshal(event.Meta); err == nil {
			meta = string(raw)
		}
	}

	entry := &db.AuditLog{
		UserID:     event.UserID,
		Action:     event.Type,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Meta:       meta,
		IP:         event.IP,
		UserAgent:  event.UserAgent,
	}
	if err := b.audit.Create(ctx, entry); err != nil {
		b.logger.Error("audit write failed",
			zap.String("event_type", event.Type),
			zap.String("target_id", event.TargetID),
			zap.Error(err))
	}

	if b.dispatcher != nil {
		b.dispatcher.Enqueue(ctx, event)
	}
}
