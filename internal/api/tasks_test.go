package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
	"github.com/opsdeck-io/opsdeck/internal/tasks"
)

type stubTaskRepo struct {
	repositories.TaskRepository

	mu      sync.Mutex
	created []*db.Task
}

func (s *stubTaskRepo) Create(_ context.Context, task *db.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == (uuid.UUID{}) {
		task.ID = uuid.New()
	}
	s.created = append(s.created, task)
	return nil
}

type stubHostRepo struct {
	repositories.HostRepository
}

func (stubHostRepo) GetByID(_ context.Context, id uint) (*db.Host, error) {
	return &db.Host{ID: id, Name: "web-01", Host: "10.0.0.1", Port: 22, Username: "deploy"}, nil
}

type stubRunner struct{}

func (stubRunner) Run(_ *db.Host, _ sshpool.Credentials, _ string, _ time.Duration) (*sshpool.ExecResult, error) {
	return &sshpool.ExecResult{ExitCode: 0}, nil
}

type stubCreds struct{}

func (stubCreds) HostCredentials(_ context.Context, _ *db.Host) (sshpool.Credentials, error) {
	return sshpool.Credentials{Password: "pw"}, nil
}

type capturingAuditRepo struct {
	repositories.AuditLogRepository

	mu      sync.Mutex
	entries []db.AuditLog
}

func (c *capturingAuditRepo) Create(_ context.Context, entry *db.AuditLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, *entry)
	return nil
}

func (c *capturingAuditRepo) recorded() []db.AuditLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]db.AuditLog(nil), c.entries...)
}

// newTaskHandlerForTest builds a taskHandler over in-memory fakes. The engine
// is never started, so created tasks just sit in its queue.
func newTaskHandlerForTest(t *testing.T, storeOutputWhenUnset bool, audit *capturingAuditRepo) (*taskHandler, *stubTaskRepo) {
	t.Helper()
	repo := &stubTaskRepo{}
	hosts := stubHostRepo{}
	policy := tasks.NewCommandPolicy(0, nil, []string{"mkfs"})
	engine := tasks.NewEngine(tasks.Config{}, repo, hosts, stubCreds{}, stubRunner{}, policy, nil, zap.NewNop())

	var bus *events.Bus
	if audit != nil {
		bus = events.NewBus(audit, nil, zap.NewNop())
	}
	return &taskHandler{
		engine:               engine,
		tasks:                repo,
		hosts:                hosts,
		policy:               policy,
		bus:                  bus,
		logger:               zap.NewNop(),
		storeOutputWhenUnset: storeOutputWhenUnset,
	}, repo
}

// createTaskReq builds a POST /servers/1/tasks request with an authenticated
// identity and the chi URL parameter in context.
func createTaskReq(t *testing.T, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/servers/1/tasks", &buf)
	req.RemoteAddr = "203.0.113.7:51000"

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "1")
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, contextKeyIdentity, &auth.Identity{UserID: 7, Username: "op", Role: db.RoleAdmin})
	return req.WithContext(ctx)
}

func TestCreateTaskStoreOutputFollowsConfiguredDefault(t *testing.T) {
	h, repo := newTaskHandlerForTest(t, false, nil)

	rec := httptest.NewRecorder()
	h.Create(rec, createTaskReq(t, map[string]any{"command": "uptime"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, repo.created, 1)
	assert.False(t, repo.created[0].StoreOutput)

	// An explicit request value always wins over the configured default.
	rec = httptest.NewRecorder()
	h.Create(rec, createTaskReq(t, map[string]any{"command": "uptime", "store_output": true}))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, repo.created, 2)
	assert.True(t, repo.created[1].StoreOutput)
}

func TestCreateTaskStoreOutputDefaultTrue(t *testing.T) {
	h, repo := newTaskHandlerForTest(t, true, nil)

	rec := httptest.NewRecorder()
	h.Create(rec, createTaskReq(t, map[string]any{"command": "uptime"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, repo.created, 1)
	assert.True(t, repo.created[0].StoreOutput)
}

func TestCreateTaskAuditsCommandPreview(t *testing.T) {
	audit := &capturingAuditRepo{}
	h, _ := newTaskHandlerForTest(t, true, audit)

	long := "echo " + strings.Repeat("x", 300)
	rec := httptest.NewRecorder()
	h.Create(rec, createTaskReq(t, map[string]any{"command": long}))
	require.Equal(t, http.StatusCreated, rec.Code)

	entries := audit.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, "task.create", entries[0].Action)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].Meta), &meta))
	cmd, ok := meta["command"].(string)
	require.True(t, ok)
	assert.Len(t, cmd, commandPreviewLen)
	assert.True(t, strings.HasPrefix(long, cmd))
}

func TestCommandPreview(t *testing.T) {
	assert.Equal(t, "uptime", commandPreview("uptime"))

	long := strings.Repeat("é", commandPreviewLen+50)
	got := commandPreview(long)
	assert.Equal(t, commandPreviewLen, len([]rune(got)))
}
