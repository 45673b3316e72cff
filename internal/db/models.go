package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Sessions
// -----------------------------------------------------------------------------

// User roles. Admin can do everything; operator manages servers, tasks and
// terminals; viewer and auditor are read-only subsets.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleAuditor  = "auditor"
)

// User is a local account. Hosts and users keep legacy integer primary keys;
// they predate the UUID entities and external tooling references them by number.
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Role         string     `gorm:"not null;default:'viewer'" json:"role"`
	IsActive     bool       `gorm:"not null;default:true" json:"is_active"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`
}

// Session is the legacy opaque-token credential. JWT is the modern path but
// both must verify; some long-running clients still hold session tokens.
type Session struct {
	Token     string    `gorm:"primaryKey" json:"token"`
	UserID    uint      `gorm:"not null;index:idx_sessions_user" json:"user_id"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// -----------------------------------------------------------------------------
// Hosts
// -----------------------------------------------------------------------------

// Host status values. Status is mutated by the monitoring path only, never by
// request handlers.
const (
	HostStatusUnknown = "unknown"
	HostStatusOnline  = "online"
	HostStatusOffline = "offline"
)

// Host is a managed SSH target. Exactly one of VaultKeyID, SSHKeyPath or
// SSHPassword is sufficient to open a session; the connection layer prefers
// them in that order.
type Host struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	Host        string     `gorm:"uniqueIndex;not null" json:"host"`
	Port        int        `gorm:"not null;default:22" json:"port"`
	Username    string     `gorm:"not null" json:"username"`
	Description string     `gorm:"type:text;default:''" json:"description"`
	AgentPort   int        `gorm:"not null;default:9100" json:"agent_port"`
	Tags        string     `gorm:"type:text;default:'[]'" json:"tags"` // JSON array
	GroupID     *uint      `gorm:"index:idx_hosts_group" json:"group_id,omitempty"`
	Status      string     `gorm:"not null;default:'unknown';index:idx_hosts_status" json:"status"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`

	// Credentials, in descending order of preference.
	VaultKeyID  *uuid.UUID      `gorm:"type:text" json:"vault_key_id,omitempty"`
	SSHKeyPath  string          `gorm:"default:''" json:"ssh_key_path,omitempty"`
	SSHPassword EncryptedString `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// HostGroup is an optional grouping for hosts (racks, environments, teams).
type HostGroup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// HostNote is a free-form operator note attached to a host.
type HostNote struct {
	base
	HostID  uint   `gorm:"not null;index" json:"host_id"`
	UserID  uint   `gorm:"not null" json:"user_id"`
	Content string `gorm:"type:text;not null" json:"content"`
}

// -----------------------------------------------------------------------------
// Vault keys
// -----------------------------------------------------------------------------

// VaultKey stores an SSH private key encrypted with AES-256-GCM under the
// vault master key. Ciphertext, IV and AuthTag are stored as separate binary
// columns; none of them ever crosses the HTTP boundary. Deletion is soft;
// the ciphertext is retained for audit.
type VaultKey struct {
	base
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	KeyType     string         `gorm:"not null" json:"key_type"` // rsa, ed25519, ecdsa, dsa
	Fingerprint string         `gorm:"not null" json:"fingerprint"`
	Description string         `gorm:"type:text;default:''" json:"description"`
	Ciphertext  []byte         `gorm:"not null" json:"-"`
	IV          []byte         `gorm:"not null" json:"-"`
	AuthTag     []byte         `gorm:"not null" json:"-"`
	PublicKey   string         `gorm:"type:text;default:''" json:"public_key,omitempty"`
	CreatedBy   uint           `gorm:"not null" json:"created_by"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task status values. The progression is monotone along
// queued → running → {success|failed|timeout|cancelled}, with
// queued → cancelled for pre-dispatch cancellation and
// running → interrupted assigned by crash recovery.
const (
	TaskStatusQueued      = "queued"
	TaskStatusRunning     = "running"
	TaskStatusSuccess     = "success"
	TaskStatusFailed      = "failed"
	TaskStatusTimeout     = "timeout"
	TaskStatusCancelled   = "cancelled"
	TaskStatusInterrupted = "interrupted"
)

// Task is a single shell command executed asynchronously on a host.
// Stdout and Stderr are nil unless StoreOutput is set, and are individually
// truncated to the configured byte ceiling before persistence.
type Task struct {
	base
	HostID         uint       `gorm:"not null;index:idx_tasks_host_created" json:"host_id"`
	UserID         uint       `gorm:"not null;index:idx_tasks_user_created" json:"user_id"`
	Command        string     `gorm:"type:text;not null" json:"command"`
	Status         string     `gorm:"not null;default:'queued';index:idx_tasks_status" json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Stdout         *string    `gorm:"type:text" json:"stdout,omitempty"`
	Stderr         *string    `gorm:"type:text" json:"stderr,omitempty"`
	TimeoutSeconds int        `gorm:"not null;default:300" json:"timeout_seconds"`
	StoreOutput    bool       `gorm:"not null;default:true" json:"store_output"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// -----------------------------------------------------------------------------
// Terminal sessions
// -----------------------------------------------------------------------------

// Terminal session status values. An "active" row has a parallel in-process
// record holding the live SSH channel; rows left active by a crash are
// reconciled to "interrupted" at startup.
const (
	TerminalStatusActive      = "active"
	TerminalStatusClosed      = "closed"
	TerminalStatusTimeout     = "timeout"
	TerminalStatusStopped     = "stopped"
	TerminalStatusInterrupted = "interrupted"
	TerminalStatusError       = "error"
)

// TerminalSession is the durable ledger entry for one interactive PTY bridge.
type TerminalSession struct {
	base
	HostID       uint       `gorm:"not null;index" json:"host_id"`
	UserID       uint       `gorm:"not null;index" json:"user_id"`
	VaultKeyID   *uuid.UUID `gorm:"type:text" json:"vault_key_id,omitempty"`
	Status       string     `gorm:"not null;default:'active'" json:"status"`
	StartedAt    time.Time  `gorm:"not null" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `gorm:"not null" json:"last_activity"`
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// AuditLog is append-only. Action is a dotted name ("task.create",
// "terminal.connect"); Meta is free-form JSON context. Retention is bounded by
// a scheduled cleanup job.
type AuditLog struct {
	base
	UserID     *uint  `gorm:"index:idx_audit_user" json:"user_id,omitempty"`
	Action     string `gorm:"not null;index:idx_audit_action" json:"action"`
	TargetType string `gorm:"not null" json:"target_type"`
	TargetID   string `gorm:"not null" json:"target_id"`
	Meta       string `gorm:"type:text;default:'{}'" json:"meta"`
	IP         string `gorm:"default:''" json:"ip,omitempty"`
	UserAgent  string `gorm:"default:''" json:"user_agent,omitempty"`
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is an outbound event subscription. EventTypes is a JSON array of
// dotted event names, or nil for all events. URL must pass the SSRF guard at
// both create time and every dispatch.
type Webhook struct {
	base
	Name            string          `gorm:"not null" json:"name"`
	URL             string          `gorm:"not null" json:"url"`
	Secret          EncryptedString `gorm:"type:text" json:"-"`
	Enabled         bool            `gorm:"not null;default:true" json:"enabled"`
	EventTypes      *string         `gorm:"type:text" json:"event_types,omitempty"` // JSON array or null = all
	RetryMax        int             `gorm:"not null;default:3" json:"retry_max"`
	TimeoutSeconds  int             `gorm:"not null;default:10" json:"timeout"`
	CreatedBy       uint            `gorm:"not null" json:"created_by"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
}

// Webhook delivery status values.
const (
	DeliveryStatusSuccess  = "success"
	DeliveryStatusFailed   = "failed"
	DeliveryStatusRetrying = "retrying"
)

// WebhookDelivery records one delivery attempt. Append-only; ResponseBody is
// truncated to 10 KiB before persistence.
type WebhookDelivery struct {
	base
	WebhookID    uuid.UUID `gorm:"type:text;not null;index:idx_deliveries_webhook" json:"webhook_id"`
	EventID      string    `gorm:"not null" json:"event_id"`
	EventType    string    `gorm:"not null" json:"event_type"`
	Status       string    `gorm:"not null" json:"status"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ResponseBody string    `gorm:"type:text;default:''" json:"response_body,omitempty"`
	Error        string    `gorm:"type:text;default:''" json:"error,omitempty"`
	Attempt      int       `gorm:"not null" json:"attempt"`
	DeliveredAt  time.Time `gorm:"not null" json:"delivered_at"`
}

// -----------------------------------------------------------------------------
// Inventory & monitoring
// -----------------------------------------------------------------------------

// HostInventoryLatest is the latest-per-host inventory row (upserted).
type HostInventoryLatest struct {
	HostID      uint      `gorm:"primaryKey" json:"host_id"`
	CollectedAt time.Time `gorm:"not null" json:"collected_at"`
	Data        string    `gorm:"type:text;not null" json:"data"` // JSON
}

// TableName keeps the singular table name; "latest" does not pluralize.
func (HostInventoryLatest) TableName() string { return "host_inventory_latest" }

// HostInventorySnapshot is the append-only inventory history.
type HostInventorySnapshot struct {
	base
	HostID      uint      `gorm:"not null;index" json:"host_id"`
	CollectedAt time.Time `gorm:"not null" json:"collected_at"`
	Data        string    `gorm:"type:text;not null" json:"data"` // JSON
}

// MonitoringHistory stores one metric sample per host per tick. Retention is
// bounded by a scheduled cleanup job.
type MonitoringHistory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	HostID     uint      `gorm:"not null;index:idx_monitoring_host_metric_time" json:"host_id"`
	MetricType string    `gorm:"not null;index:idx_monitoring_host_metric_time" json:"metric_type"`
	Data       string    `gorm:"type:text;not null" json:"data"` // JSON
	Timestamp  time.Time `gorm:"not null;index:idx_monitoring_host_metric_time" json:"timestamp"`
}

// TableName keeps the mass-noun table name instead of GORM's default
// "monitoring_histories".
func (MonitoringHistory) TableName() string { return "monitoring_history" }

// Alert severities.
const (
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// Alert is raised by threshold evaluation in the stats collector.
type Alert struct {
	base
	HostID    uint    `gorm:"not null;index:idx_alerts_host_read_created" json:"host_id"`
	Severity  string  `gorm:"not null" json:"severity"`
	Metric    string  `gorm:"not null" json:"metric"`
	Value     float64 `gorm:"not null" json:"value"`
	Threshold float64 `gorm:"not null" json:"threshold"`
	Message   string  `gorm:"type:text;not null" json:"message"`
	IsRead    bool    `gorm:"not null;default:false;index:idx_alerts_host_read_created" json:"is_read"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "alerts.cpu_threshold",
// "tasks.command_policy"). Sensitive values are encrypted at the application
// layer via EncryptedString before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey" json:"key"`
	Value     EncryptedString `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
