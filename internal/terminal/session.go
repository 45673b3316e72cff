package terminal

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
)

// session is one live PTY bridge.
type session struct {
	server   *Server
	id       uuid.UUID
	identity *auth.Identity
	host     *db.Host
	conn     *websocket.Conn
	client   *ssh.Client
	sshSess  *ssh.Session
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	started  time.Time
	logger   *zap.Logger

	writeMu   sync.Mutex
	idleTimer *time.Timer
	closeOnce sync.Once
}

// run drives the session: one pump per SSH output stream, and the WebSocket
// read loop on the calling goroutine. Returns when the session is closed
// from either side.
func (s *session) run() {
	_ = writeFrame(s.conn, &s.writeMu, serverFrame{
		Type:      "connected",
		SessionID: s.id.String(),
	})

	go s.pumpOutput(s.stdout)
	go s.pumpOutput(s.stderr)
	s.readLoop()
}

// pumpOutput forwards one SSH stream to the client as output frames.
func (s *session) pumpOutput(stream io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := writeFrame(s.conn, &s.writeMu, serverFrame{
				Type: "output",
				Data: string(buf[:n]),
			}); werr != nil {
				s.close(db.TerminalStatusError, "client write failed")
				return
			}
		}
		if err != nil {
			// Remote shell exited.
			s.close(db.TerminalStatusClosed, "shell exited")
			return
		}
	}
}

// readLoop consumes client frames until the connection dies or a close frame
// arrives. Every inbound frame counts as activity.
func (s *session) readLoop() {
	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.close(db.TerminalStatusClosed, "client disconnected")
			return
		}
		s.touch()

		switch frame.Type {
		case "input":
			if _, err := s.stdin.Write([]byte(frame.Data)); err != nil {
				s.close(db.TerminalStatusError, "shell write failed")
				return
			}
		case "resize":
			if frame.Cols > 0 && frame.Rows > 0 {
				if err := s.sshSess.WindowChange(frame.Rows, frame.Cols); err != nil {
					s.logger.Debug("window change failed", zap.Error(err))
				}
			}
		case "close":
			s.close(db.TerminalStatusClosed, "closed by client")
			return
		default:
			s.logger.Debug("unknown frame type", zap.String("type", frame.Type))
		}
	}
}

// touch resets the idle timer and bumps last_activity in the ledger.
func (s *session) touch() {
	s.idleTimer.Reset(s.server.idleTimeout)
	if err := s.server.sessions.Touch(context.Background(), s.id, time.Now().UTC()); err != nil {
		s.logger.Debug("failed to touch session", zap.Error(err))
	}
}

// close tears the bridge down exactly once: stop the idle timer, notify the
// client, close SSH and the socket, write the ledger status and audit the
// closure with its duration.
func (s *session) close(status, reason string) {
	s.closeOnce.Do(func() {
		s.idleTimer.Stop()

		_ = writeFrame(s.conn, &s.writeMu, serverFrame{
			Type:    "disconnected",
			Message: reason,
		})

		s.sshSess.Close()
		s.client.Close()
		s.conn.Close()
		s.server.remove(s.id)

		ctx := context.Background()
		now := time.Now().UTC()
		if err := s.server.sessions.Close(ctx, s.id, status, now); err != nil {
			s.logger.Error("failed to close session row", zap.Error(err))
		}

		duration := now.Sub(s.started)
		event := events.New("terminal.close", "terminal_session", s.id.String())
		event.UserID = &s.identity.UserID
		event.Meta = map[string]any{
			"host_id":          s.host.ID,
			"status":           status,
			"duration_seconds": int(duration.Seconds()),
		}
		s.server.bus.Publish(ctx, event)

		s.logger.Info("terminal session closed",
			zap.String("status", status),
			zap.Duration("duration", duration))
	})
}
