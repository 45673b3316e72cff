// Package events carries domain events from the places where state changes
// to the audit log and the outbound webhook dispatcher.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels attached to events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one domain occurrence. Every state-changing domain call emits
// exactly one.
type Event struct {
	EventID    uuid.UUID      `json:"event_id"`
	Type       string         `json:"event_type"`
	UserID     *uint          `json:"user_id,omitempty"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Meta       map[string]any `json:"meta,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Severity   string         `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New builds an event with a fresh id, info severity and the current time.
// Callers fill in actor and request fields as available.
func New(eventType, targetType, targetID string) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		EventID:    id,
		Type:       eventType,
		TargetType: targetType,
		TargetID:   targetID,
		Severity:   SeverityInfo,
		Timestamp:  time.Now().UTC(),
	}
}
