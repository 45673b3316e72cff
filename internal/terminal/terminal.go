// Package terminal bridges WebSocket clients to interactive SSH shells on
// fleet hosts. Each connection owns one PTY and one driver goroutine; there
// is no lock shared across sessions beyond the registry map.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
	"github.com/opsdeck-io/opsdeck/internal/vault"
)

// DefaultIdleTimeout closes sessions with no inbound frames.
const DefaultIdleTimeout = 1800 * time.Second

// PTY defaults requested from the remote host.
const (
	ptyTerm = "xterm-256color"
	ptyCols = 120
	ptyRows = 30
)

// handshake is the first frame a client sends after the upgrade.
type handshake struct {
	Token    string     `json:"token"`
	ServerID uint       `json:"server_id"`
	SSHKeyID *uuid.UUID `json:"ssh_key_id,omitempty"`
}

// clientFrame is every subsequent inbound frame.
type clientFrame struct {
	Type string `json:"type"` // input, resize, close
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// serverFrame is an outbound frame.
type serverFrame struct {
	Type      string `json:"type"` // connected, output, disconnected, error
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Server owns the terminal WebSocket endpoint and the active session
// registry.
type Server struct {
	auth        *auth.Service
	hosts       repositories.HostRepository
	sessions    repositories.TerminalSessionRepository
	vault       *vault.Service
	bus         *events.Bus
	idleTimeout time.Duration
	logger      *zap.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[uuid.UUID]*session
}

// NewServer wires the broker. A zero idleTimeout uses the default.
func NewServer(authSvc *auth.Service, hosts repositories.HostRepository, sessions repositories.TerminalSessionRepository, vaultSvc *vault.Service, bus *events.Bus, idleTimeout time.Duration, logger *zap.Logger) *Server {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Server{
		auth:        authSvc,
		hosts:       hosts,
		sessions:    sessions,
		vault:       vaultSvc,
		bus:         bus,
		idleTimeout: idleTimeout,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-port; token auth happens in the
			// handshake frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active: make(map[uuid.UUID]*session),
	}
}

// ActiveCount reports connected sessions, for metrics.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ServeHTTP upgrades the connection and drives one terminal session to
// completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := s.open(r.Context(), conn, r)
	if err != nil {
		writeFrame(conn, &sync.Mutex{}, serverFrame{Type: "error", Message: err.Error()})
		conn.Close()
		return
	}
	sess.run()
}

// Stop force-terminates an active session from the REST surface.
func (s *Server) Stop(id uuid.UUID) bool {
	s.mu.Lock()
	sess, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.close(db.TerminalStatusStopped, "terminated by administrator")
	return true
}

// Shutdown closes every active session as interrupted. Called on process
// shutdown before the SSH pool goes away.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(db.TerminalStatusInterrupted, "server shutting down")
	}
}

// open performs the handshake: authenticate, authorize, resolve credentials,
// dial, request the PTY and persist the session row.
func (s *Server) open(ctx context.Context, conn *websocket.Conn, r *http.Request) (*session, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		return nil, errors.New("invalid handshake")
	}
	conn.SetReadDeadline(time.Time{})

	identity, err := s.auth.Verify(ctx, hs.Token)
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	if !auth.HasPermission(identity.Role, auth.PermTerminalUse) {
		return nil, errors.New("terminal access denied")
	}

	host, err := s.hosts.GetByID(ctx, hs.ServerID)
	if err != nil {
		return nil, fmt.Errorf("server %d not found", hs.ServerID)
	}

	creds, err := s.resolveCredentials(ctx, host, hs.SSHKeyID)
	if err != nil {
		return nil, fmt.Errorf("credential resolution failed: %v", err)
	}

	// Terminals dial their own client: a pooled client's lifetime is not
	// ours to manage and PTYs live long.
	client, err := sshpool.Dial(host.Host, host.Port, host.Username, creds, 0)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %v", err)
	}

	sshSess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("session failed: %v", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sshSess.RequestPty(ptyTerm, ptyRows, ptyCols, modes); err != nil {
		sshSess.Close()
		client.Close()
		return nil, fmt.Errorf("pty request failed: %v", err)
	}

	stdin, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, err
	}
	stdout, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, err
	}
	stderr, err := sshSess.StderrPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, err
	}
	if err := sshSess.Shell(); err != nil {
		sshSess.Close()
		client.Close()
		return nil, fmt.Errorf("shell failed: %v", err)
	}

	row := &db.TerminalSession{
		HostID:       host.ID,
		UserID:       identity.UserID,
		VaultKeyID:   hs.SSHKeyID,
		Status:       db.TerminalStatusActive,
		StartedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, row); err != nil {
		sshSess.Close()
		client.Close()
		return nil, err
	}

	sess := &session{
		server:   s,
		id:       row.ID,
		identity: identity,
		host:     host,
		conn:     conn,
		client:   client,
		sshSess:  sshSess,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		started:  row.StartedAt,
		logger: s.logger.With(
			zap.String("session_id", row.ID.String()),
			zap.Uint("host_id", host.ID),
			zap.Uint("user_id", identity.UserID)),
	}
	sess.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		sess.close(db.TerminalStatusTimeout, "idle timeout")
	})

	s.mu.Lock()
	s.active[row.ID] = sess
	s.mu.Unlock()

	event := events.New("terminal.connect", "terminal_session", row.ID.String())
	event.UserID = &identity.UserID
	event.Meta = map[string]any{"host_id": host.ID}
	s.bus.Publish(ctx, event)

	sess.logger.Info("terminal session opened")
	return sess, nil
}

func (s *Server) resolveCredentials(ctx context.Context, host *db.Host, keyID *uuid.UUID) (sshpool.Credentials, error) {
	if keyID != nil {
		pem, err := s.vault.GetPlaintext(ctx, *keyID)
		if err != nil {
			return sshpool.Credentials{}, err
		}
		return sshpool.Credentials{PEM: pem}, nil
	}
	return s.vault.HostCredentials(ctx, host)
}

func (s *Server) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame serverFrame) error {
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}
