// Package app wires every component together and owns the process lifecycle:
// startup validation, migrations, crash recovery, the three listeners, the
// retention scheduler and ordered shutdown.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/opsdeck-io/opsdeck/internal/api"
	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/cache"
	"github.com/opsdeck-io/opsdeck/internal/config"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/inventory"
	"github.com/opsdeck-io/opsdeck/internal/metrics"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
	"github.com/opsdeck-io/opsdeck/internal/stats"
	"github.com/opsdeck-io/opsdeck/internal/tasks"
	"github.com/opsdeck-io/opsdeck/internal/terminal"
	"github.com/opsdeck-io/opsdeck/internal/vault"
)

// Retention windows for the scheduled cleanup jobs.
const (
	auditRetention      = 90 * 24 * time.Hour
	monitoringRetention = 30 * 24 * time.Hour
	alertRetention      = 30 * 24 * time.Hour
)

// App is the assembled process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	database *gorm.DB
	registry *metrics.Registry

	users     repositories.UserRepository
	sessions  repositories.SessionRepository
	hosts     repositories.HostRepository
	taskRepo  repositories.TaskRepository
	termRepo  repositories.TerminalSessionRepository
	audit     repositories.AuditLogRepository
	webhooks  repositories.WebhookRepository
	invRepo   repositories.InventoryRepository
	monRepo   repositories.MonitoringRepository
	settings  repositories.SettingsRepository
	vaultRepo repositories.VaultKeyRepository

	pool       *sshpool.Pool
	vault      *vault.Service
	bus        *events.Bus
	dispatcher *events.Dispatcher
	policy     *tasks.CommandPolicy
	engine     *tasks.Engine
	authSvc    *auth.Service
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	collector  *inventory.Collector
	terminal   *terminal.Server
	stats      *stats.Server
	scheduler  gocron.Scheduler

	restSrv     *http.Server
	terminalSrv *http.Server
	statsSrv    *http.Server
}

// New validates configuration and builds every component. Nothing is
// listening yet when New returns.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encKey := cfg.EncryptionKey
	if encKey == "" {
		// Validate already refused this in production. Development gets an
		// ephemeral key; encrypted columns will not survive a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("app: generate ephemeral key: %w", err)
		}
		encKey = hex.EncodeToString(buf)
		logger.Warn("ENCRYPTION_KEY not set, using an ephemeral key")
	}
	if err := db.InitEncryption([]byte(encKey)); err != nil {
		return nil, fmt.Errorf("app: init encryption: %w", err)
	}

	database, err := db.New(db.Config{Driver: cfg.DBDriver, DSN: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		database: database,
		registry: metrics.New(),

		users:     repositories.NewUserRepository(database),
		sessions:  repositories.NewSessionRepository(database),
		hosts:     repositories.NewHostRepository(database),
		taskRepo:  repositories.NewTaskRepository(database),
		termRepo:  repositories.NewTerminalSessionRepository(database),
		audit:     repositories.NewAuditLogRepository(database),
		webhooks:  repositories.NewWebhookRepository(database),
		invRepo:   repositories.NewInventoryRepository(database),
		monRepo:   repositories.NewMonitoringRepository(database),
		settings:  repositories.NewSettingsRepository(database),
		vaultRepo: repositories.NewVaultKeyRepository(database),
	}

	a.vault, err = vault.New(a.vaultRepo, cfg.VaultMasterKey, logger)
	if err != nil {
		return nil, err
	}

	a.pool = sshpool.New(sshpool.DefaultConnectTimeout, logger)
	a.limiter = ratelimit.New(ratelimit.Config{})
	a.cache = cache.New()

	a.dispatcher = events.NewDispatcher(events.DispatcherConfig{}, a.webhooks, nil, logger)
	a.bus = events.NewBus(a.audit, a.dispatcher, logger)

	a.policy = tasks.NewCommandPolicy(cfg.TaskCommandMaxLength, nil, nil)
	if err := a.policy.LoadFromSettings(context.Background(), a.settings); err != nil {
		logger.Warn("command policy load failed, starting with empty lists", zap.Error(err))
	}

	a.engine = tasks.NewEngine(tasks.Config{
		NumWorkers:     cfg.TasksNumWorkers,
		PerHostCap:     cfg.TasksConcurrentPerHost,
		DefaultTimeout: cfg.TasksDefaultTimeout,
		OutputMaxBytes: cfg.TasksOutputMaxBytes,
	}, a.taskRepo, a.hosts, a.vault, &tasks.PoolRunner{Pool: a.pool}, a.policy, a.bus, logger)

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpiration, logger)
	if err != nil {
		return nil, err
	}
	a.authSvc = auth.NewService(a.users, a.sessions, tokens, a.bus, logger)

	a.collector = inventory.NewCollector(a.vault, a.invRepo, logger)
	a.terminal = terminal.NewServer(a.authSvc, a.hosts, a.termRepo, a.vault, a.bus, cfg.TerminalIdleTimeout, logger)
	a.stats = stats.NewServer(a.hosts, a.monRepo, a.vault, a.pool, a.bus, cfg.StatsInterval, stats.Thresholds{}, logger)

	a.scheduler, err = gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("app: scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:           logger,
		Metrics:          a.registry,
		Auth:             a.authSvc,
		Users:            a.users,
		Hosts:            a.hosts,
		Pool:             a.pool,
		Inventory:        a.collector,
		InvRepo:          a.invRepo,
		Engine:           a.engine,
		Tasks:            a.taskRepo,
		Policy:           a.policy,
		Vault:            a.vault,
		Bus:              a.bus,
		Webhooks:         a.webhooks,
		TasksStoreOutput: cfg.TasksStoreOutputDefault,
		Dispatcher:       a.dispatcher,
		Terminal:         a.terminal,
		TerminalRepo:     a.termRepo,
		Audit:            a.audit,
		Monitoring:       a.monRepo,
		Settings:         a.settings,
		Limiter:          a.limiter,
		Cache:            a.cache,
		Ready:            a.ready,
		AllowedOrigins:   cfg.AllowedOrigins,
		CIMode:           cfg.CI,
	})

	a.restSrv = &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	a.terminalSrv = &http.Server{Addr: cfg.TerminalListenAddr, Handler: a.terminal, ReadHeaderTimeout: 10 * time.Second}
	a.statsSrv = &http.Server{Addr: cfg.StatsListenAddr, Handler: a.stats, ReadHeaderTimeout: 10 * time.Second}

	return a, nil
}

// ready is the readiness probe: database reachable, schema migrated, vault
// operational.
func (a *App) ready(ctx context.Context) error {
	if err := db.Ping(ctx, a.database); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if !db.MigrationsApplied(a.database) {
		return errors.New("migrations not applied")
	}
	if a.vault == nil {
		return errors.New("vault not initialized")
	}
	return nil
}

// recover reconciles state left behind by a crash: running tasks and active
// terminal sessions become interrupted, expired sessions are dropped.
// Idempotent; a clean start changes nothing.
func (a *App) recover(ctx context.Context) error {
	now := time.Now().UTC()

	n, err := a.taskRepo.MarkInterrupted(ctx, now)
	if err != nil {
		return fmt.Errorf("app: task recovery: %w", err)
	}
	if n > 0 {
		a.logger.Info("recovered orphaned tasks", zap.Int64("count", n))
	}

	n, err = a.termRepo.MarkInterrupted(ctx, now)
	if err != nil {
		return fmt.Errorf("app: terminal recovery: %w", err)
	}
	if n > 0 {
		a.logger.Info("recovered orphaned terminal sessions", zap.Int64("count", n))
	}

	n, err = a.sessions.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("app: session cleanup: %w", err)
	}
	if n > 0 {
		a.logger.Info("deleted expired sessions", zap.Int64("count", n))
	}
	return nil
}

// startJobs registers the periodic retention and housekeeping jobs.
func (a *App) startJobs(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"audit-log-cleanup", 24 * time.Hour, func(ctx context.Context) error {
			n, err := a.audit.DeleteOlderThan(ctx, time.Now().UTC().Add(-auditRetention))
			if n > 0 {
				a.logger.Info("audit log cleanup", zap.Int64("deleted", n))
			}
			return err
		}},
		{"monitoring-history-cleanup", time.Hour, func(ctx context.Context) error {
			n, err := a.monRepo.DeleteOlderThan(ctx, time.Now().UTC().Add(-monitoringRetention))
			if n > 0 {
				a.logger.Info("monitoring history cleanup", zap.Int64("deleted", n))
			}
			return err
		}},
		{"alert-cleanup", 24 * time.Hour, func(ctx context.Context) error {
			n, err := a.monRepo.DeleteAlertsOlderThan(ctx, time.Now().UTC().Add(-alertRetention))
			if n > 0 {
				a.logger.Info("alert cleanup", zap.Int64("deleted", n))
			}
			return err
		}},
		{"session-cleanup", time.Hour, func(ctx context.Context) error {
			_, err := a.sessions.DeleteExpired(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		job := job
		_, err := a.scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				if err := job.run(ctx); err != nil {
					a.logger.Error("scheduled job failed", zap.String("job", job.name), zap.Error(err))
				}
			}),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("app: register job %s: %w", job.name, err)
		}
	}

	a.scheduler.Start()
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.recover(ctx); err != nil {
		return err
	}

	a.engine.Start()
	a.dispatcher.Start(ctx)
	a.limiter.StartSweeper(ctx, 10*time.Minute)
	a.cache.StartJanitor(ctx, time.Minute)
	if err := a.startJobs(ctx); err != nil {
		return err
	}

	go a.stats.Run(ctx)
	go a.updateGauges(ctx)

	errCh := make(chan error, 3)
	serve := func(name string, srv *http.Server) {
		a.logger.Info("listener starting", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("rest", a.restSrv)
	go serve("terminal", a.terminalSrv)
	go serve("stats", a.statsSrv)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown()
		return err
	}

	a.shutdown()
	return nil
}

// shutdown tears everything down in order: stop accepting requests, stop the
// scheduler, close terminals, drain the engine, stop the dispatcher, close
// the pool, flush logs.
func (a *App) shutdown() {
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{a.restSrv, a.terminalSrv, a.statsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("listener shutdown", zap.Error(err))
		}
	}

	if err := a.scheduler.Shutdown(); err != nil {
		a.logger.Warn("scheduler shutdown", zap.Error(err))
	}

	a.terminal.Shutdown()
	a.engine.Stop()

	// Anything still marked running lost its worker; reconcile before exit.
	if n, err := a.taskRepo.MarkInterrupted(shutdownCtx, time.Now().UTC()); err == nil && n > 0 {
		a.logger.Info("marked running tasks interrupted", zap.Int64("count", n))
	}

	a.dispatcher.Stop()
	a.pool.CloseAll()
	_ = a.logger.Sync()
}

// updateGauges refreshes the engine, pool and websocket gauges periodically.
func (a *App) updateGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.registry.SetEngineGauges(a.engine.QueueDepth(), a.engine.Running())
			a.registry.SetSSHPoolSize(a.pool.Size())
			a.registry.SetWSClients("terminal", a.terminal.ActiveCount())
			a.registry.SetWSClients("stats", a.stats.ClientCount())
		}
	}
}
