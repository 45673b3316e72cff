package tasks

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

// memTaskRepo implements repositories.TaskRepository in memory with the same
// guarded status transitions as the real one.
type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*db.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[uuid.UUID]*db.Task)}
}

func (m *memTaskRepo) Create(_ context.Context, task *db.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == (uuid.UUID{}) {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = db.TaskStatusQueued
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *memTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (m *memTaskRepo) MarkRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || task.Status != db.TaskStatusQueued {
		return repositories.ErrNotFound
	}
	task.Status = db.TaskStatusRunning
	task.StartedAt = &startedAt
	return nil
}

func (m *memTaskRepo) Finish(_ context.Context, id uuid.UUID, status string, exitCode *int, stdout, stderr *string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || (task.Status != db.TaskStatusQueued && task.Status != db.TaskStatusRunning) {
		return repositories.ErrNotFound
	}
	task.Status = status
	task.ExitCode = exitCode
	task.Stdout = stdout
	task.Stderr = stderr
	task.FinishedAt = &finishedAt
	return nil
}

func (m *memTaskRepo) List(_ context.Context, _ repositories.TaskFilter, _ repositories.ListOptions) ([]db.Task, int64, error) {
	return nil, 0, nil
}

func (m *memTaskRepo) CountByStatus(_ context.Context, status string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, task := range m.tasks {
		if task.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memTaskRepo) MarkInterrupted(_ context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, task := range m.tasks {
		if task.Status == db.TaskStatusRunning {
			task.Status = db.TaskStatusInterrupted
			task.FinishedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memTaskRepo) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Status
}

// memHostRepo serves GetByID only; the engine touches nothing else here.
type memHostRepo struct {
	repositories.HostRepository
	hosts map[uint]*db.Host
}

func (m *memHostRepo) GetByID(_ context.Context, id uint) (*db.Host, error) {
	host, ok := m.hosts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return host, nil
}

type staticCreds struct{}

func (staticCreds) HostCredentials(_ context.Context, _ *db.Host) (sshpool.Credentials, error) {
	return sshpool.Credentials{Password: "pw"}, nil
}

// fakeRunner scripts Run results and can block to simulate long commands.
type fakeRunner struct {
	mu      sync.Mutex
	result  *sshpool.ExecResult
	err     error
	block   chan struct{} // when non-nil, Run waits on it
	started chan struct{} // signalled once per Run entry
	calls   int
}

func (f *fakeRunner) Run(_ *db.Host, _ sshpool.Credentials, _ string, _ time.Duration) (*sshpool.ExecResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	started := f.started
	result, err := f.result, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if result == nil && err == nil {
		return &sshpool.ExecResult{ExitCode: 0}, nil
	}
	return result, err
}

// memAuditRepo records the audit actions the event bus writes, which is how
// these tests observe published event types.
type memAuditRepo struct {
	repositories.AuditLogRepository

	mu      sync.Mutex
	actions []string
}

func (m *memAuditRepo) Create(_ context.Context, entry *db.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, entry.Action)
	return nil
}

func (m *memAuditRepo) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actions...)
}

func newTestEngine(t *testing.T, cfg Config, tasks *memTaskRepo, runner CommandRunner) *Engine {
	t.Helper()
	return newTestEngineWithBus(t, cfg, tasks, runner, nil)
}

func newTestEngineWithBus(t *testing.T, cfg Config, tasks *memTaskRepo, runner CommandRunner, bus *events.Bus) *Engine {
	t.Helper()
	hosts := &memHostRepo{hosts: map[uint]*db.Host{
		1: {ID: 1, Name: "web-01", Host: "10.0.0.1", Port: 22, Username: "deploy"},
	}}
	policy := NewCommandPolicy(0, nil, []string{"mkfs"})
	return NewEngine(cfg, tasks, hosts, staticCreds{}, runner, policy, bus, zap.NewNop())
}

func enqueueTask(t *testing.T, repo *memTaskRepo, command string, storeOutput bool) *db.Task {
	t.Helper()
	task := &db.Task{HostID: 1, UserID: 1, Command: command, StoreOutput: storeOutput, TimeoutSeconds: 5}
	require.NoError(t, repo.Create(context.Background(), task))
	return task
}

func waitForStatus(t *testing.T, repo *memTaskRepo, id uuid.UUID, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if repo.status(id) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached %q, stuck at %q", want, repo.status(id))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngineRunsTaskToSuccess(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{result: &sshpool.ExecResult{Stdout: "ok\n", ExitCode: 0}}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "uptime", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusSuccess)
	got, err := repo.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Stdout)
	assert.Equal(t, "ok\n", *got.Stdout)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestEngineNonZeroExitIsFailed(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{result: &sshpool.ExecResult{Stderr: "no such file\n", ExitCode: 2}}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "cat /missing", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusFailed)
	got, _ := repo.GetByID(context.Background(), task.ID)
	assert.Equal(t, 2, *got.ExitCode)
}

func TestEngineTimeout(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{result: &sshpool.ExecResult{Stdout: "partial", ExitCode: -1}, err: sshpool.ErrTimeout}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "sleep 999", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusTimeout)
	got, _ := repo.GetByID(context.Background(), task.ID)
	assert.Equal(t, -1, *got.ExitCode)
	assert.Equal(t, "partial", *got.Stdout)
	require.NotNil(t, got.Stderr)
	assert.Contains(t, *got.Stderr, "command timed out after 5s")
}

func TestEngineTimeoutAppendsToPartialStderr(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{result: &sshpool.ExecResult{Stderr: "still working", ExitCode: -1}, err: sshpool.ErrTimeout}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "sleep 999", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusTimeout)
	got, _ := repo.GetByID(context.Background(), task.ID)
	require.NotNil(t, got.Stderr)
	assert.Equal(t, "still working\ncommand timed out after 5s", *got.Stderr)
}

func TestEnginePolicyRecheck(t *testing.T) {
	repo := newMemTaskRepo()
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, &fakeRunner{})
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "mkfs.ext4 /dev/sda", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusFailed)
	got, _ := repo.GetByID(context.Background(), task.ID)
	require.NotNil(t, got.Stderr)
	assert.Contains(t, *got.Stderr, "denied")
}

func TestEngineQueueFullRejection(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{}
	// No workers started: the queue of capacity 1 fills immediately.
	e := newTestEngine(t, Config{NumWorkers: 1, QueueCapacity: 1, EnqueueTimeout: 20 * time.Millisecond}, repo, runner)

	first := enqueueTask(t, repo, "uptime", true)
	second := enqueueTask(t, repo, "uptime", true)

	require.NoError(t, e.Enqueue(context.Background(), first.ID))
	err := e.Enqueue(context.Background(), second.ID)
	assert.ErrorIs(t, err, ErrQueueFull)

	got, _ := repo.GetByID(context.Background(), second.ID)
	assert.Equal(t, db.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Stderr)
	assert.Equal(t, queueFullMessage, *got.Stderr)
}

func TestEngineCancelQueued(t *testing.T) {
	repo := newMemTaskRepo()
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, &fakeRunner{})
	// Engine not started; the task stays queued.

	task := enqueueTask(t, repo, "uptime", true)
	assert.True(t, e.Cancel(context.Background(), task.ID))
	assert.Equal(t, db.TaskStatusCancelled, repo.status(task.ID))

	// A second cancel is a no-op on a terminal task.
	assert.False(t, e.Cancel(context.Background(), task.ID))
}

func TestEngineCancellationWins(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{
		result:  &sshpool.ExecResult{Stdout: "done\n", ExitCode: 0},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "long-job", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	<-runner.started // command is in flight
	assert.True(t, e.Cancel(context.Background(), task.ID))
	close(runner.block) // command completes successfully...

	// ...but cancellation wins at the status-write checkpoint.
	waitForStatus(t, repo, task.ID, db.TaskStatusCancelled)
}

func TestEngineStoreOutputFalse(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{result: &sshpool.ExecResult{Stdout: "secret output", ExitCode: 0}}
	e := newTestEngine(t, Config{NumWorkers: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "print-secrets", false)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))

	waitForStatus(t, repo, task.ID, db.TaskStatusSuccess)
	got, _ := repo.GetByID(context.Background(), task.ID)
	assert.Nil(t, got.Stdout)
	assert.Nil(t, got.Stderr)
}

func TestEnginePerHostSerialization(t *testing.T) {
	repo := newMemTaskRepo()
	runner := &fakeRunner{
		result:  &sshpool.ExecResult{ExitCode: 0},
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	e := newTestEngine(t, Config{NumWorkers: 2, PerHostCap: 1}, repo, runner)
	e.Start()
	defer e.Stop()

	first := enqueueTask(t, repo, "uptime", true)
	second := enqueueTask(t, repo, "uptime", true)
	require.NoError(t, e.Enqueue(context.Background(), first.ID))
	require.NoError(t, e.Enqueue(context.Background(), second.ID))

	<-runner.started // first admitted

	// Second must not start while the host slot is held.
	select {
	case <-runner.started:
		t.Fatal("second task ran concurrently on a capped host")
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.block)
	waitForStatus(t, repo, first.ID, db.TaskStatusSuccess)
	waitForStatus(t, repo, second.ID, db.TaskStatusSuccess)
}

func TestEngineEmitsOutcomeAndFinishedEvents(t *testing.T) {
	repo := newMemTaskRepo()
	audit := &memAuditRepo{}
	bus := events.NewBus(audit, nil, zap.NewNop())
	runner := &fakeRunner{result: &sshpool.ExecResult{Stdout: "ok\n", ExitCode: 0}}
	e := newTestEngineWithBus(t, Config{NumWorkers: 1}, repo, runner, bus)
	e.Start()
	defer e.Stop()

	task := enqueueTask(t, repo, "uptime", true)
	require.NoError(t, e.Enqueue(context.Background(), task.ID))
	waitForStatus(t, repo, task.ID, db.TaskStatusSuccess)

	// The status write precedes the event publish; poll briefly.
	deadline := time.After(2 * time.Second)
	for {
		if got := audit.recorded(); len(got) >= 2 {
			assert.Equal(t, []string{"task.success", "task.finished"}, got)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("terminal events never published, got %v", audit.recorded())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngineCancelQueuedEmitsFinishedEvent(t *testing.T) {
	repo := newMemTaskRepo()
	audit := &memAuditRepo{}
	bus := events.NewBus(audit, nil, zap.NewNop())
	e := newTestEngineWithBus(t, Config{NumWorkers: 1}, repo, &fakeRunner{}, bus)
	// Engine not started; the task stays queued.

	task := enqueueTask(t, repo, "uptime", true)
	assert.True(t, e.Cancel(context.Background(), task.ID))
	assert.Equal(t, []string{"task.cancelled", "task.finished"}, audit.recorded())
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", truncateOutput("short", 100))

	long := strings.Repeat("a", 200)
	got := truncateOutput(long, 100)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 100)))
	assert.True(t, strings.HasSuffix(got, truncationMarker))
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 5*time.Second, backoffDelay(4))
	assert.Equal(t, 5*time.Second, backoffDelay(100))
}
