// Package auth implements credential verification, JWT and legacy session
// tokens, and the fixed role/permission model.
package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

var (
	// ErrBadCredentials is returned for unknown users and wrong passwords
	// alike, so the response does not leak which one it was.
	ErrBadCredentials = errors.New("auth: invalid username or password")

	// ErrInactive is returned when the account is disabled.
	ErrInactive = errors.New("auth: account disabled")
)

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID   uint
	Username string
	Role     string
}

// LoginResult is what a successful login returns.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *db.User
}

// Service is the authentication front door.
type Service struct {
	users    repositories.UserRepository
	sessions repositories.SessionRepository
	tokens   *TokenManager
	bus      *events.Bus
	logger   *zap.Logger
}

// NewService wires the auth service.
func NewService(users repositories.UserRepository, sessions repositories.SessionRepository, tokens *TokenManager, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{users: users, sessions: sessions, tokens: tokens, bus: bus, logger: logger}
}

// Login verifies credentials and issues a token. Both outcomes are audited;
// failures additionally feed the caller's login rate limiter (handled at the
// HTTP layer). A successful login against a legacy hash upgrades it in place.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		s.auditLogin(ctx, nil, username, ip, userAgent, false)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	if !VerifyPassword(user.PasswordHash, password) {
		s.auditLogin(ctx, &user.ID, username, ip, userAgent, false)
		return nil, ErrBadCredentials
	}
	if !user.IsActive {
		s.auditLogin(ctx, &user.ID, username, ip, userAgent, false)
		return nil, ErrInactive
	}

	if NeedsRehash(user.PasswordHash) {
		if upgraded, err := HashPassword(password); err == nil {
			user.PasswordHash = upgraded
			if err := s.users.Update(ctx, user); err != nil {
				s.logger.Warn("failed to upgrade legacy password hash",
					zap.Uint("user_id", user.ID), zap.Error(err))
			}
		}
	}

	token, expiresAt, err := s.tokens.Generate(user)
	if err != nil {
		return nil, err
	}

	// The JWT doubles as the session token, so logout can revoke it and the
	// legacy lookup path accepts the same Authorization value.
	session := &db.Session{Token: token, UserID: user.ID, ExpiresAt: expiresAt}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Warn("failed to persist session", zap.Uint("user_id", user.ID), zap.Error(err))
	}

	now := time.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record last login", zap.Uint("user_id", user.ID), zap.Error(err))
	}

	s.auditLogin(ctx, &user.ID, username, ip, userAgent, true)
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// Verify authenticates a bearer token: JWT first, then the opaque session
// table. Either way the account must still exist and be active.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	if claims, err := s.tokens.Verify(token); err == nil {
		user, err := s.users.GetByID(ctx, claims.UserID)
		if err != nil || !user.IsActive {
			return nil, ErrInvalidToken
		}
		return &Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
	}

	session, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil || !user.IsActive {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

// Logout revokes the session backing the token and audits it.
func (s *Service) Logout(ctx context.Context, token string, identity *Identity, ip, userAgent string) {
	if err := s.sessions.Delete(ctx, token); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("failed to delete session on logout", zap.Error(err))
	}
	if identity != nil && s.bus != nil {
		event := events.New("auth.logout", "user", identity.Username)
		event.UserID = &identity.UserID
		event.IP = ip
		event.UserAgent = userAgent
		s.bus.Publish(ctx, event)
	}
}

// ChangePassword verifies the current password, stores the new hash and
// revokes every other session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID uint, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		return ErrBadCredentials
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	if err := s.sessions.DeleteForUser(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke sessions after password change",
			zap.Uint("user_id", userID), zap.Error(err))
	}
	return nil
}

func (s *Service) auditLogin(ctx context.Context, userID *uint, username, ip, userAgent string, success bool) {
	if s.bus == nil {
		return
	}
	eventType := "auth.login"
	severity := events.SeverityInfo
	if !success {
		eventType = "auth.login_failed"
		severity = events.SeverityWarning
	}
	event := events.New(eventType, "user", username)
	event.UserID = userID
	event.IP = ip
	event.UserAgent = userAgent
	event.Severity = severity
	s.bus.Publish(ctx, event)
}
