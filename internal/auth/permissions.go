package auth

import "github.com/opsdeck-io/opsdeck/internal/db"

// Permission names used across the HTTP surface.
const (
	PermAll            = "*"
	PermServersView    = "servers.view"
	PermServersEdit    = "servers.edit"
	PermTasksCreate    = "tasks.create"
	PermTasksView      = "tasks.view"
	PermTerminalUse    = "terminal.use"
	PermAlertsView     = "alerts.view"
	PermAlertsManage   = "alerts.manage"
	PermInventoryView  = "inventory.view"
	PermAuditView      = "audit.view"
	PermUsersManage    = "users.manage"
	PermWebhooksManage = "webhooks.manage"
	PermVaultManage    = "vault.manage"
	PermSettingsManage = "settings.manage"
)

// rolePermissions is the fixed role → permission expansion. Admin gets the
// wildcard; everything else is an explicit list.
var rolePermissions = map[string][]string{
	db.RoleAdmin: {PermAll},
	db.RoleOperator: {
		PermServersView, PermServersEdit,
		PermTasksCreate, PermTasksView,
		PermTerminalUse,
		PermAlertsView, PermAlertsManage,
		PermInventoryView,
	},
	db.RoleViewer: {
		PermServersView, PermTasksView, PermAlertsView, PermInventoryView,
	},
	db.RoleAuditor: {
		PermServersView, PermTasksView, PermAlertsView, PermInventoryView,
		PermAuditView,
	},
}

// PermissionsForRole returns the expansion for a role; unknown roles get
// nothing.
func PermissionsForRole(role string) []string {
	return rolePermissions[role]
}

// HasPermission reports whether a role grants a permission.
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == PermAll || p == permission {
			return true
		}
	}
	return false
}
