package terminal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// Fakes override only the methods the handshake path reaches; the embedded
// interface panics on anything unexpected, which is what we want in a test.

type fakeUserRepo struct {
	repositories.UserRepository
	users map[uint]*db.User
}

func (f *fakeUserRepo) GetByID(_ context.Context, id uint) (*db.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return u, nil
}

type fakeSessionRepo struct {
	repositories.SessionRepository
}

func (f *fakeSessionRepo) GetByToken(_ context.Context, _ string) (*db.Session, error) {
	return nil, repositories.ErrNotFound
}

type fakeHostRepo struct {
	repositories.HostRepository
	hosts map[uint]*db.Host
}

func (f *fakeHostRepo) GetByID(_ context.Context, id uint) (*db.Host, error) {
	h, ok := f.hosts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return h, nil
}

type fakeTerminalRepo struct {
	repositories.TerminalSessionRepository
}

type fakeAuditRepo struct {
	repositories.AuditLogRepository
}

func (f *fakeAuditRepo) Create(_ context.Context, _ *db.AuditLog) error { return nil }

func newTestSetup(t *testing.T) (*Server, *auth.TokenManager) {
	t.Helper()

	users := &fakeUserRepo{users: map[uint]*db.User{
		1: {ID: 1, Username: "admin", Role: db.RoleAdmin, IsActive: true},
		2: {ID: 2, Username: "watcher", Role: db.RoleViewer, IsActive: true},
	}}
	tokens, err := auth.NewTokenManager("test-secret", time.Hour, zap.NewNop())
	require.NoError(t, err)
	authSvc := auth.NewService(users, &fakeSessionRepo{}, tokens, nil, zap.NewNop())

	hosts := &fakeHostRepo{hosts: map[uint]*db.Host{
		// Unroutable address: a handshake that reaches the dial step fails
		// fast with a connection error.
		7: {ID: 7, Name: "web-01", Host: "127.0.0.1", Port: 1, Username: "deploy", SSHPassword: db.EncryptedString("pw")},
	}}

	srv := NewServer(authSvc, hosts, &fakeTerminalRepo{}, nil, nil, time.Minute, zap.NewNop())
	return srv, tokens
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "error", frame.Type)
	return frame.Message
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv, _ := newTestSetup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(handshake{Token: "garbage", ServerID: 7}))
	assert.Contains(t, readError(t, conn), "authentication failed")
}

func TestHandshakeRejectsViewer(t *testing.T) {
	srv, tokens := newTestSetup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token, _, err := tokens.Generate(&db.User{ID: 2, Username: "watcher", Role: db.RoleViewer})
	require.NoError(t, err)

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(handshake{Token: token, ServerID: 7}))
	assert.Contains(t, readError(t, conn), "denied")
}

func TestHandshakeRejectsUnknownServer(t *testing.T) {
	srv, tokens := newTestSetup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token, _, err := tokens.Generate(&db.User{ID: 1, Username: "admin", Role: db.RoleAdmin})
	require.NoError(t, err)

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(handshake{Token: token, ServerID: 999}))
	assert.Contains(t, readError(t, conn), "not found")
}

func TestHandshakeRejectsMalformedFirstFrame(t *testing.T) {
	srv, _ := newTestSetup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Contains(t, readError(t, conn), "invalid handshake")
}

func TestStopUnknownSession(t *testing.T) {
	srv, _ := newTestSetup(t)
	assert.False(t, srv.Stop([16]byte{1}))
	assert.Equal(t, 0, srv.ActiveCount())
}
