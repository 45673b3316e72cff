// Package tasks runs remote commands against fleet hosts through a bounded
// queue and a fixed worker pool, with per-host concurrency caps and
// cooperative cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

// ErrQueueFull is returned by Enqueue when the queue stays full past the
// enqueue timeout. The task row is already finished by then.
var ErrQueueFull = errors.New("tasks: queue full")

const queueFullMessage = "Task queue is full"

// truncationMarker is appended when stored output hits the byte ceiling.
const truncationMarker = "\n... [output truncated]"

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	QueueCapacity  int           // default 256
	NumWorkers     int           // default 4
	PerHostCap     int           // default 1
	EnqueueTimeout time.Duration // default 5s
	DefaultTimeout time.Duration // default 5m, used when a task has none
	OutputMaxBytes int           // default 64 KiB, per stream
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.PerHostCap <= 0 {
		c.PerHostCap = 1
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.OutputMaxBytes <= 0 {
		c.OutputMaxBytes = 64 * 1024
	}
	return c
}

// CredentialResolver turns a host row into SSH credentials. Satisfied by
// *vault.Service.
type CredentialResolver interface {
	HostCredentials(ctx context.Context, host *db.Host) (sshpool.Credentials, error)
}

// CommandRunner executes one command on one host. The production
// implementation rents a pooled SSH client; tests substitute a fake.
type CommandRunner interface {
	Run(host *db.Host, creds sshpool.Credentials, command string, timeout time.Duration) (*sshpool.ExecResult, error)
}

// PoolRunner executes commands over the shared SSH pool.
type PoolRunner struct {
	Pool *sshpool.Pool
}

func (r *PoolRunner) Run(host *db.Host, creds sshpool.Credentials, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	client, err := r.Pool.Get(host.Host, host.Port, host.Username, creds)
	if err != nil {
		return nil, err
	}
	return sshpool.Exec(client, command, timeout)
}

// hostSlots is the per-host in-flight counter.
type hostSlots struct {
	mu     sync.Mutex
	counts map[uint]int
	cap    int
}

// tryAcquire reports whether the host is under its cap; when it is not, the
// current count is returned for backoff sizing.
func (s *hostSlots) tryAcquire(hostID uint) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.counts[hostID]
	if current >= s.cap {
		return false, current
	}
	s.counts[hostID] = current + 1
	return true, current
}

func (s *hostSlots) release(hostID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[hostID] <= 1 {
		delete(s.counts, hostID)
	} else {
		s.counts[hostID]--
	}
}

// backoffDelay grows with per-host contention, capped at five seconds.
func backoffDelay(current int) time.Duration {
	d := time.Duration(1+current) * time.Second
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// Engine is the task execution engine.
type Engine struct {
	cfg    Config
	tasks  repositories.TaskRepository
	hosts  repositories.HostRepository
	creds  CredentialResolver
	runner CommandRunner
	policy *CommandPolicy
	bus    *events.Bus
	logger *zap.Logger

	queue    chan uuid.UUID
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Int64
	slots    *hostSlots

	cancelMu  sync.Mutex
	cancelled map[uuid.UUID]bool
}

// NewEngine wires the engine. The bus may be nil in tests.
func NewEngine(cfg Config, tasks repositories.TaskRepository, hosts repositories.HostRepository, creds CredentialResolver, runner CommandRunner, policy *CommandPolicy, bus *events.Bus, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		tasks:     tasks,
		hosts:     hosts,
		creds:     creds,
		runner:    runner,
		policy:    policy,
		bus:       bus,
		logger:    logger,
		queue:     make(chan uuid.UUID, cfg.QueueCapacity),
		shutdown:  make(chan struct{}),
		slots:     &hostSlots{counts: make(map[uint]int), cap: cfg.PerHostCap},
		cancelled: make(map[uuid.UUID]bool),
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.NumWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("task engine started",
		zap.Int("workers", e.cfg.NumWorkers),
		zap.Int("queue_capacity", e.cfg.QueueCapacity),
		zap.Int("per_host_cap", e.cfg.PerHostCap))
}

// Stop signals shutdown and waits for workers and in-flight runners.
func (e *Engine) Stop() {
	close(e.shutdown)
	e.wg.Wait()
}

// QueueDepth reports the number of queued task ids, for metrics.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// Running reports the number of in-flight runners, for metrics.
func (e *Engine) Running() int64 { return e.running.Load() }

// Enqueue hands a persisted queued task to the engine. It blocks up to the
// enqueue timeout; past that the task is finished as failed with a
// queue-full stderr and ErrQueueFull is returned.
func (e *Engine) Enqueue(ctx context.Context, taskID uuid.UUID) error {
	select {
	case e.queue <- taskID:
		return nil
	case <-time.After(e.cfg.EnqueueTimeout):
		stderr := queueFullMessage
		now := time.Now().UTC()
		if err := e.tasks.Finish(ctx, taskID, db.TaskStatusFailed, nil, nil, &stderr, now); err != nil {
			e.logger.Error("failed to reject task", zap.String("task_id", taskID.String()), zap.Error(err))
		} else if task, err := e.tasks.GetByID(ctx, taskID); err == nil {
			e.publishTerminal(ctx, task, db.TaskStatusFailed)
		}
		return ErrQueueFull
	case <-e.shutdown:
		return errors.New("tasks: engine shutting down")
	}
}

// Cancel requests cancellation. Queued tasks are finished directly; running
// tasks are flagged, and the flag wins at the runner's status-write
// checkpoint. Returns false when the task is already terminal or unknown.
func (e *Engine) Cancel(ctx context.Context, taskID uuid.UUID) bool {
	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		return false
	}
	switch task.Status {
	case db.TaskStatusQueued, db.TaskStatusRunning:
	default:
		return false
	}

	e.cancelMu.Lock()
	e.cancelled[taskID] = true
	e.cancelMu.Unlock()

	if task.Status == db.TaskStatusQueued {
		now := time.Now().UTC()
		err := e.tasks.Finish(ctx, taskID, db.TaskStatusCancelled, nil, nil, nil, now)
		switch {
		case err == nil:
			e.publishTerminal(ctx, task, db.TaskStatusCancelled)
		case !errors.Is(err, repositories.ErrNotFound):
			e.logger.Error("failed to cancel queued task", zap.String("task_id", taskID.String()), zap.Error(err))
		}
	}
	return true
}

func (e *Engine) isCancelled(taskID uuid.UUID) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelled[taskID]
}

func (e *Engine) clearCancelled(taskID uuid.UUID) {
	e.cancelMu.Lock()
	delete(e.cancelled, taskID)
	e.cancelMu.Unlock()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdown:
			return
		case taskID := <-e.queue:
			e.dispatch(taskID)
		}
	}
}

// dispatch admits the task against its host's concurrency cap, backing off
// and retrying while the host is saturated. Admission spawns a runner and
// returns the worker to the queue immediately.
func (e *Engine) dispatch(taskID uuid.UUID) {
	ctx := context.Background()
	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		e.logger.Error("dispatch: task lookup failed", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	if task.Status != db.TaskStatusQueued {
		// Cancelled (or otherwise finished) while waiting in the queue.
		e.clearCancelled(taskID)
		return
	}

	for {
		ok, current := e.slots.tryAcquire(task.HostID)
		if ok {
			break
		}
		select {
		case <-e.shutdown:
			return
		case <-time.After(backoffDelay(current)):
		}
		// Cooperative back-pressure, not strict FIFO: try to put the id back
		// so the worker can serve other hosts; keep it if the queue is full.
		select {
		case e.queue <- taskID:
			return
		default:
		}
	}

	e.running.Add(1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Add(-1)
		defer e.slots.release(task.HostID)
		defer e.clearCancelled(task.ID)
		e.run(ctx, task)
	}()
}

// run executes one admitted task end to end.
func (e *Engine) run(ctx context.Context, task *db.Task) {
	if err := e.tasks.MarkRunning(ctx, task.ID, time.Now().UTC()); err != nil {
		// Lost the race with a cancel; the row is already terminal.
		return
	}

	// Policy is re-checked here to survive a reload between HTTP admission
	// and dispatch.
	if err := e.policy.Check(task.Command); err != nil {
		e.finish(ctx, task, db.TaskStatusFailed, nil, "", err.Error())
		return
	}

	host, err := e.hosts.GetByID(ctx, task.HostID)
	if err != nil {
		e.finish(ctx, task, db.TaskStatusFailed, nil, "", fmt.Sprintf("host %d not found", task.HostID))
		return
	}

	creds, err := e.creds.HostCredentials(ctx, host)
	if err != nil {
		e.finish(ctx, task, db.TaskStatusFailed, nil, "", "credential resolution failed: "+err.Error())
		return
	}

	timeout := e.cfg.DefaultTimeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}

	result, err := e.runner.Run(host, creds, task.Command, timeout)
	switch {
	case errors.Is(err, sshpool.ErrTimeout):
		exit := -1
		var stdout, stderr string
		if result != nil {
			stdout, stderr = result.Stdout, result.Stderr
		}
		if stderr != "" {
			stderr += "\n"
		}
		stderr += fmt.Sprintf("command timed out after %s", timeout)
		e.finish(ctx, task, db.TaskStatusTimeout, &exit, stdout, stderr)
	case err != nil && sshpool.IsAuthError(err):
		e.finish(ctx, task, db.TaskStatusFailed, nil, "", "SSH authentication failed: "+err.Error())
	case err != nil:
		e.finish(ctx, task, db.TaskStatusFailed, nil, "", err.Error())
	case result.ExitCode == 0:
		e.finish(ctx, task, db.TaskStatusSuccess, &result.ExitCode, result.Stdout, result.Stderr)
	default:
		e.finish(ctx, task, db.TaskStatusFailed, &result.ExitCode, result.Stdout, result.Stderr)
	}
}

// finish writes the terminal status, honoring cancellation-wins and the
// store_output setting, then emits the completion event.
func (e *Engine) finish(ctx context.Context, task *db.Task, status string, exitCode *int, stdout, stderr string) {
	if e.isCancelled(task.ID) {
		status = db.TaskStatusCancelled
	}

	var outPtr, errPtr *string
	if task.StoreOutput {
		out := truncateOutput(stdout, e.cfg.OutputMaxBytes)
		errs := truncateOutput(stderr, e.cfg.OutputMaxBytes)
		outPtr, errPtr = &out, &errs
	}

	now := time.Now().UTC()
	if err := e.tasks.Finish(ctx, task.ID, status, exitCode, outPtr, errPtr, now); err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			e.logger.Error("failed to finish task", zap.String("task_id", task.ID.String()), zap.Error(err))
		}
		return
	}

	e.logger.Info("task finished",
		zap.String("task_id", task.ID.String()),
		zap.Uint("host_id", task.HostID),
		zap.String("status", status))

	e.publishTerminal(ctx, task, status)
}

// publishTerminal emits the outcome-specific event plus the generic
// "task.finished" event, so subscribers can key on either.
func (e *Engine) publishTerminal(ctx context.Context, task *db.Task, status string) {
	if e.bus == nil {
		return
	}
	severity := events.SeverityInfo
	if status == db.TaskStatusFailed || status == db.TaskStatusTimeout {
		severity = events.SeverityWarning
	}
	for _, eventType := range []string{"task." + status, "task.finished"} {
		event := events.New(eventType, "task", task.ID.String())
		event.UserID = &task.UserID
		event.Meta = map[string]any{
			"host_id": strconv.FormatUint(uint64(task.HostID), 10),
			"status":  status,
		}
		event.Severity = severity
		e.bus.Publish(ctx, event)
	}
}

// truncateOutput caps a stream at max bytes, appending a marker when it cut
// anything.
func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
