// Package repositories implements the typed persistence layer over GORM.
// Each entity gets an interface (consumed by services and handlers, mocked in
// tests) and a GORM-backed implementation. All list queries paginate and all
// multi-row writes are transactional.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// maxPageSize is the hard cap applied to every paginated query regardless of
// the limit the caller asked for.
const maxPageSize = 500

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// clamp normalises pagination values: zero or negative limits fall back to a
// sane default, anything above the hard cap is capped.
func (o ListOptions) clamp() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > maxPageSize {
		o.Limit = maxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// -----------------------------------------------------------------------------
// Users & sessions
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uint) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	UpdateLastLogin(ctx context.Context, id uint, at time.Time) error

	// Delete removes a user unless doing so would leave the system without an
	// active admin, in which case it returns ErrLastAdmin. The admin-count
	// check and the delete run in one transaction.
	Delete(ctx context.Context, id uint) error

	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	Count(ctx context.Context) (int64, error)
	CountActiveAdmins(ctx context.Context) (int64, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error
	GetByToken(ctx context.Context, token string) (*db.Session, error)
	Delete(ctx context.Context, token string) error
	DeleteForUser(ctx context.Context, userID uint) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// Hosts
// -----------------------------------------------------------------------------

// HostFilter narrows host list queries by the obvious equality columns.
type HostFilter struct {
	Status  string
	GroupID *uint
	Tag     string
}

type HostRepository interface {
	Create(ctx context.Context, host *db.Host) error
	GetByID(ctx context.Context, id uint) (*db.Host, error)
	GetByAddress(ctx context.Context, address string) (*db.Host, error)
	Update(ctx context.Context, host *db.Host) error

	// UpdateStatus is the only mutation path for Host.Status; it is called
	// by the monitoring collector, never by request handlers.
	UpdateStatus(ctx context.Context, id uint, status string, lastSeen *time.Time) error

	// Delete cascades to tasks, terminal sessions, alerts, inventory rows,
	// monitoring history and notes in a single transaction.
	Delete(ctx context.Context, id uint) error

	List(ctx context.Context, filter HostFilter, opts ListOptions) ([]db.Host, int64, error)
	ListAll(ctx context.Context) ([]db.Host, error)

	// Groups
	CreateGroup(ctx context.Context, group *db.HostGroup) error
	ListGroups(ctx context.Context) ([]db.HostGroup, error)
	DeleteGroup(ctx context.Context, id uint) error

	// Notes
	AddNote(ctx context.Context, note *db.HostNote) error
	ListNotes(ctx context.Context, hostID uint, opts ListOptions) ([]db.HostNote, int64, error)
	DeleteNote(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// Vault keys
// -----------------------------------------------------------------------------

type VaultKeyRepository interface {
	Create(ctx context.Context, key *db.VaultKey) error

	// GetByID returns soft-deleted rows only when includeDeleted is set.
	GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*db.VaultKey, error)
	GetByName(ctx context.Context, name string) (*db.VaultKey, error)
	List(ctx context.Context, includeDeleted bool) ([]db.VaultKey, error)

	// SoftDelete marks the key deleted; ciphertext is retained for audit.
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// TaskFilter narrows task list queries.
type TaskFilter struct {
	HostID uint
	UserID uint
	Status string
	From   *time.Time
	To     *time.Time
}

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)

	// MarkRunning transitions queued → running. Returns ErrNotFound if the
	// task is no longer queued (e.g. cancelled in the meantime).
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error

	// Finish writes a terminal status. Only queued or running tasks are
	// updated, which keeps the status progression monotone even under races.
	Finish(ctx context.Context, id uuid.UUID, status string, exitCode *int, stdout, stderr *string, finishedAt time.Time) error

	List(ctx context.Context, filter TaskFilter, opts ListOptions) ([]db.Task, int64, error)
	CountByStatus(ctx context.Context, status string) (int64, error)

	// MarkInterrupted reclassifies every running task to interrupted with
	// finished_at set. Called once by startup recovery; idempotent.
	MarkInterrupted(ctx context.Context, at time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Terminal sessions
// -----------------------------------------------------------------------------

type TerminalSessionRepository interface {
	Create(ctx context.Context, session *db.TerminalSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.TerminalSession, error)

	// Touch bumps last_activity; called on every inbound frame.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// Close writes a terminal status and ended_at. Only active rows are
	// updated, so double-close is harmless.
	Close(ctx context.Context, id uuid.UUID, status string, endedAt time.Time) error

	ListActive(ctx context.Context) ([]db.TerminalSession, error)
	List(ctx context.Context, hostID, userID uint, opts ListOptions) ([]db.TerminalSession, int64, error)

	// MarkInterrupted reclassifies every active session to interrupted.
	// Called once by startup recovery; idempotent.
	MarkInterrupted(ctx context.Context, at time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Audit logs
// -----------------------------------------------------------------------------

// AuditFilter narrows audit log list queries.
type AuditFilter struct {
	UserID uint
	Action string
	From   *time.Time
	To     *time.Time
}

type AuditLogRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	List(ctx context.Context, filter AuditFilter, opts ListOptions) ([]db.AuditLog, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Update(ctx context.Context, webhook *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error)

	// ListEnabledForEvent returns enabled webhooks whose event_types filter
	// is null or contains eventType.
	ListEnabledForEvent(ctx context.Context, eventType string) ([]db.Webhook, error)
	UpdateLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error)
}

// -----------------------------------------------------------------------------
// Inventory & monitoring
// -----------------------------------------------------------------------------

type InventoryRepository interface {
	// SaveCollected upserts the latest row and appends a history snapshot in
	// one transaction.
	SaveCollected(ctx context.Context, hostID uint, collectedAt time.Time, data string) error
	GetLatest(ctx context.Context, hostID uint) (*db.HostInventoryLatest, error)
	ListSnapshots(ctx context.Context, hostID uint, opts ListOptions) ([]db.HostInventorySnapshot, int64, error)
}

// AlertFilter narrows alert list queries. IsRead is a tri-state: nil means
// both read and unread.
type AlertFilter struct {
	HostID   uint
	Severity string
	IsRead   *bool
}

type MonitoringRepository interface {
	Insert(ctx context.Context, sample *db.MonitoringHistory) error
	ListRange(ctx context.Context, hostID uint, metricType string, from, to time.Time, opts ListOptions) ([]db.MonitoringHistory, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)

	CreateAlert(ctx context.Context, alert *db.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter, opts ListOptions) ([]db.Alert, int64, error)
	MarkAlertRead(ctx context.Context, id uuid.UUID) error
	DeleteAlertsOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}
