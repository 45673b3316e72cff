package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/cache"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/inventory"
	"github.com/opsdeck-io/opsdeck/internal/metrics"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
	"github.com/opsdeck-io/opsdeck/internal/tasks"
	"github.com/opsdeck-io/opsdeck/internal/terminal"
	"github.com/opsdeck-io/opsdeck/internal/vault"
)

// RouterConfig holds every dependency the HTTP layer needs. It is populated
// once at startup and passed to NewRouter as a single struct.
type RouterConfig struct {
	Logger  *zap.Logger
	Metrics *metrics.Registry

	Auth  *auth.Service
	Users repositories.UserRepository

	Hosts     repositories.HostRepository
	Pool      *sshpool.Pool
	Inventory *inventory.Collector
	InvRepo   repositories.InventoryRepository

	Engine   *tasks.Engine
	Tasks    repositories.TaskRepository
	Policy   *tasks.CommandPolicy
	Vault    *vault.Service
	Bus      *events.Bus
	Webhooks repositories.WebhookRepository

	// TasksStoreOutput is the store_output value applied when a task create
	// request leaves the field unset.
	TasksStoreOutput bool

	// Dispatcher powers the webhook test endpoint and URL guarding at create.
	Dispatcher *events.Dispatcher

	Terminal     *terminal.Server
	TerminalRepo repositories.TerminalSessionRepository

	Audit      repositories.AuditLogRepository
	Monitoring repositories.MonitoringRepository
	Settings   repositories.SettingsRepository

	Limiter *ratelimit.Limiter
	Cache   *cache.Cache

	// Ready reports whether the process can serve traffic: database reachable,
	// migrations applied, vault key loaded.
	Ready func(ctx context.Context) error

	// AllowedOrigins is the CORS allow-list.
	AllowedOrigins []string

	// CIMode enables the test-only rate-limit reset endpoint.
	CIMode bool
}

// NewRouter builds the fully configured chi router for the REST port.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authHandler := &authHandler{auth: cfg.Auth, users: cfg.Users, limiter: cfg.Limiter, bus: cfg.Bus, logger: cfg.Logger}
	serverHandler := &serverHandler{hosts: cfg.Hosts, pool: cfg.Pool, vault: cfg.Vault, inventory: cfg.Inventory, invRepo: cfg.InvRepo, cache: cfg.Cache, bus: cfg.Bus, logger: cfg.Logger}
	taskHandler := &taskHandler{engine: cfg.Engine, tasks: cfg.Tasks, hosts: cfg.Hosts, policy: cfg.Policy, bus: cfg.Bus, logger: cfg.Logger, storeOutputWhenUnset: cfg.TasksStoreOutput}
	keyHandler := &sshKeyHandler{vault: cfg.Vault, bus: cfg.Bus, logger: cfg.Logger}
	terminalHandler := &terminalHandler{server: cfg.Terminal, sessions: cfg.TerminalRepo, logger: cfg.Logger}
	userHandler := &userHandler{users: cfg.Users, auth: cfg.Auth, bus: cfg.Bus, logger: cfg.Logger}
	settingsHandler := &settingsHandler{settings: cfg.Settings, policy: cfg.Policy, bus: cfg.Bus, logger: cfg.Logger}
	webhookHandler := &webhookHandler{webhooks: cfg.Webhooks, dispatcher: cfg.Dispatcher, bus: cfg.Bus, logger: cfg.Logger}
	auditHandler := &auditHandler{audit: cfg.Audit, hosts: cfg.Hosts, tasks: cfg.Tasks, monitoring: cfg.Monitoring, logger: cfg.Logger}
	monitoringHandler := &monitoringHandler{monitoring: cfg.Monitoring, hosts: cfg.Hosts, tasks: cfg.Tasks, audit: cfg.Audit, cache: cfg.Cache, logger: cfg.Logger}
	systemHandler := &systemHandler{ready: cfg.Ready, metrics: cfg.Metrics, limiter: cfg.Limiter, auth: cfg.Auth}

	// Per-user buckets for the operations that fan out SSH work.
	taskCreateLimit := ratelimit.NewKeyed(30, time.Minute, 10)
	inventoryRefreshLimit := ratelimit.NewKeyed(6, time.Minute, 2)
	webhookTestLimit := ratelimit.NewKeyed(10, time.Minute, 3)

	r.Route("/api", func(r chi.Router) {
		// Liveness and readiness bypass rate limiting so orchestrator probes
		// cannot be starved by clients.
		r.Get("/health", systemHandler.Health)
		r.Get("/ready", systemHandler.Ready)
		r.Get("/metrics", systemHandler.Metrics)

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(cfg.Limiter))

			// Public routes.
			r.Get("/setup/status", authHandler.SetupStatus)
			r.Post("/setup/initialize", authHandler.SetupInitialize)
			r.With(LoginRateLimit(cfg.Limiter)).Post("/auth/login", authHandler.Login)

			if cfg.CIMode {
				r.Post("/testing/rate-limit/clear", systemHandler.ClearRateLimit)
			}

			// Authenticated routes.
			r.Group(func(r chi.Router) {
				r.Use(Authenticate(cfg.Auth))

				r.Post("/auth/logout", authHandler.Logout)
				r.Get("/auth/verify", authHandler.Verify)

				// Self-service profile.
				r.Get("/users/me", userHandler.Me)
				r.Put("/users/me", userHandler.UpdateMe)
				r.Post("/users/me/password", userHandler.ChangePassword)

				// Hosts.
				r.Route("/servers", func(r chi.Router) {
					r.With(RequirePermission(auth.PermServersView)).Get("/", serverHandler.List)
					r.With(RequirePermission(auth.PermServersView)).Get("/groups", serverHandler.ListGroups)
					r.With(RequirePermission(auth.PermServersEdit)).Post("/", serverHandler.Create)
					r.With(RequirePermission(auth.PermServersEdit)).Post("/test", serverHandler.Test)
					r.With(RequirePermission(auth.PermServersEdit)).Post("/groups", serverHandler.CreateGroup)
					r.With(RequirePermission(auth.PermServersEdit)).Delete("/groups/{id}", serverHandler.DeleteGroup)

					r.Route("/{id}", func(r chi.Router) {
						r.With(RequirePermission(auth.PermServersView)).Get("/", serverHandler.Get)
						r.With(RequirePermission(auth.PermServersEdit)).Put("/", serverHandler.Update)
						r.With(RequirePermission(auth.PermServersEdit)).Delete("/", serverHandler.Delete)

						r.With(RequirePermission(auth.PermServersView)).Get("/notes", serverHandler.ListNotes)
						r.With(RequirePermission(auth.PermServersEdit)).Post("/notes", serverHandler.AddNote)
						r.With(RequirePermission(auth.PermServersEdit)).Delete("/notes/{noteID}", serverHandler.DeleteNote)

						r.With(RequirePermission(auth.PermInventoryView)).Get("/inventory/latest", serverHandler.InventoryLatest)
						r.With(RequirePermission(auth.PermInventoryView)).Get("/inventory/history", serverHandler.InventoryHistory)
						r.With(RequirePermission(auth.PermServersEdit), KeyedRateLimit(inventoryRefreshLimit)).Post("/inventory/refresh", serverHandler.InventoryRefresh)

						r.With(RequirePermission(auth.PermTasksCreate), KeyedRateLimit(taskCreateLimit)).Post("/tasks", taskHandler.Create)
						r.With(RequirePermission(auth.PermAlertsView)).Get("/monitoring", monitoringHandler.History)
					})
				})

				// Tasks.
				r.Route("/tasks", func(r chi.Router) {
					r.With(RequirePermission(auth.PermTasksView)).Get("/", taskHandler.List)
					r.With(RequirePermission(auth.PermTasksView)).Get("/{id}", taskHandler.Get)
					r.With(RequirePermission(auth.PermTasksCreate)).Post("/{id}/cancel", taskHandler.Cancel)
				})

				// Credential vault, admin only.
				r.Route("/ssh-keys", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermVaultManage))
					r.Get("/", keyHandler.List)
					r.Post("/", keyHandler.Create)
					r.Get("/{id}", keyHandler.Get)
					r.Delete("/{id}", keyHandler.Delete)
				})

				// Terminal session control. The WebSocket upgrade lives on its
				// own port; this is the REST view.
				r.Route("/terminals", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermTerminalUse))
					r.Get("/", terminalHandler.List)
					r.Post("/{id}/stop", terminalHandler.Stop)
				})

				// Alerts.
				r.Route("/alerts", func(r chi.Router) {
					r.With(RequirePermission(auth.PermAlertsView)).Get("/", monitoringHandler.ListAlerts)
					r.With(RequirePermission(auth.PermAlertsManage)).Post("/{id}/read", monitoringHandler.MarkAlertRead)
				})

				// Overview / activity, cached.
				r.With(RequirePermission(auth.PermServersView)).Get("/stats/overview", monitoringHandler.Overview)
				r.With(RequirePermission(auth.PermServersView)).Get("/activity", monitoringHandler.Activity)

				// User management, admin only.
				r.Route("/users", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermUsersManage))
					r.Get("/", userHandler.List)
					r.Post("/", userHandler.Create)
					r.Get("/{id}", userHandler.Get)
					r.Put("/{id}", userHandler.Update)
					r.Delete("/{id}", userHandler.Delete)
				})
				r.With(RequirePermission(auth.PermUsersManage)).Get("/roles", userHandler.Roles)

				// Settings, admin only for mutation.
				r.With(RequirePermission(auth.PermSettingsManage)).Get("/settings", settingsHandler.List)
				r.With(RequirePermission(auth.PermSettingsManage)).Put("/settings/{key}", settingsHandler.Set)

				// Webhooks, admin only.
				r.Route("/webhooks", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermWebhooksManage))
					r.Get("/", webhookHandler.List)
					r.Post("/", webhookHandler.Create)
					r.Get("/{id}", webhookHandler.Get)
					r.Put("/{id}", webhookHandler.Update)
					r.Delete("/{id}", webhookHandler.Delete)
					r.With(KeyedRateLimit(webhookTestLimit)).Post("/{id}/test", webhookHandler.Test)
					r.Get("/{id}/deliveries", webhookHandler.Deliveries)
				})

				// Audit and exports, admin/auditor.
				r.Route("/audit-logs", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermAuditView))
					r.Get("/", auditHandler.List)
					r.Get("/export", auditHandler.ExportAuditCSV)
				})
				r.Route("/export", func(r chi.Router) {
					r.Use(RequirePermission(auth.PermAuditView))
					r.Get("/servers.csv", auditHandler.ExportHostsCSV)
					r.Get("/tasks.csv", auditHandler.ExportTasksCSV)
					r.Get("/alerts.csv", auditHandler.ExportAlertsCSV)
					r.Get("/monitoring.csv", auditHandler.ExportMonitoringCSV)
				})
			})
		})
	})

	return r
}
