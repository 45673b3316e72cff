package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/cache"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/metrics"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// --- In-memory repositories for the handler tests ---

type memUserRepo struct {
	repositories.UserRepository

	mu     sync.Mutex
	nextID uint
	users  map[uint]*db.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[uint]*db.User)}
}

func (m *memUserRepo) Create(_ context.Context, user *db.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return repositories.ErrConflict
		}
	}
	m.nextID++
	user.ID = m.nextID
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUserRepo) GetByID(_ context.Context, id uint) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserRepo) GetByUsername(_ context.Context, username string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memUserRepo) Update(_ context.Context, user *db.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return repositories.ErrNotFound
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUserRepo) UpdateLastLogin(_ context.Context, id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLogin = &at
	}
	return nil
}

func (m *memUserRepo) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

type memSessionRepo struct {
	repositories.SessionRepository

	mu       sync.Mutex
	sessions map[string]*db.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*db.Session)}
}

func (m *memSessionRepo) Create(_ context.Context, s *db.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *memSessionRepo) GetByToken(_ context.Context, token string) (*db.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memSessionRepo) DeleteForUser(_ context.Context, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, token)
		}
	}
	return nil
}

// --- Test router ---

func newTestRouter(t *testing.T) (http.Handler, *memUserRepo) {
	t.Helper()

	users := newMemUserRepo()
	tokens, err := auth.NewTokenManager("test-secret", time.Hour, zap.NewNop())
	require.NoError(t, err)
	authSvc := auth.NewService(users, newMemSessionRepo(), tokens, nil, zap.NewNop())

	router := NewRouter(RouterConfig{
		Logger:  zap.NewNop(),
		Metrics: metrics.New(),
		Auth:    authSvc,
		Users:   users,
		Limiter: ratelimit.New(ratelimit.Config{}),
		Cache:   cache.New(),
	})
	return router, users
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// --- Tests ---

func TestSetupThenLogin(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/setup/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["initialized"])

	rec = doJSON(t, router, http.MethodPost, "/api/setup/initialize", "", map[string]string{
		"username": "admin", "email": "a@b.c", "password": "P@ssw0rd!",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	setupToken, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, setupToken)

	rec = doJSON(t, router, http.MethodGet, "/api/setup/status", "", nil)
	assert.Equal(t, true, decodeBody(t, rec)["initialized"])

	// Second initialize is refused outright.
	rec = doJSON(t, router, http.MethodPost, "/api/setup/initialize", "", map[string]string{
		"username": "intruder", "email": "x@y.z", "password": "P@ssw0rd!",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "P@ssw0rd!",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = doJSON(t, router, http.MethodGet, "/api/auth/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "admin", body["role"])
}

func TestLoginRateLimitBlocksSixthAttempt(t *testing.T) {
	router, users := newTestRouter(t)
	require.NoError(t, users.Create(context.Background(), &db.User{
		Username: "admin", Email: "a@b.c", PasswordHash: "x", Role: db.RoleAdmin, IsActive: true,
	}))

	for i := 0; i < 5; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "admin", "password": "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 900)

	// The block list now rejects everything from that IP, including routes
	// outside the login bucket.
	rec = doJSON(t, router, http.MethodGet, "/api/setup/status", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestVerifyRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/auth/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/auth/verify", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsAccessControl(t *testing.T) {
	router, _ := newTestRouter(t)

	// Loopback callers get the JSON view with no token.
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	// Remote callers need an admin token.
	rec = doJSON(t, router, http.MethodGet, "/api/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAlwaysOK(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Ready with no probe wired reports ready.
	rec = doJSON(t, router, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
