package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

type authHandler struct {
	auth    *auth.Service
	users   repositories.UserRepository
	limiter *ratelimit.Limiter
	bus     *events.Bus
	logger  *zap.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"`
	User      *db.User `json:"user"`
}

// Login exchanges credentials for a JWT. The route runs behind the login
// rate limiter, so every attempt counts against the stricter bucket.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = CleanString(req.Username, 64)
	if req.Username == "" || req.Password == "" {
		badRequest(w, "username and password are required")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) || errors.Is(err, auth.ErrInactive) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.Unix(),
		User:      result.User,
	})
}

// Logout revokes the presented token's session.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(r.Context(), tokenFrom(r.Context()), identityFrom(r.Context()), clientIP(r), r.UserAgent())
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Verify reports whether the presented token is valid. Reaching this handler
// means the Authenticate middleware already accepted it.
func (h *authHandler) Verify(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"user_id":  identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// SetupStatus reports whether first-run setup is still open.
func (h *authHandler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.users.Count(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": count > 0})
}

type setupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SetupInitialize creates the first admin account. Only available while the
// users table is empty; afterwards it is a hard 403.
func (h *authHandler) SetupInitialize(w http.ResponseWriter, r *http.Request) {
	count, err := h.users.Count(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	if count > 0 {
		writeError(w, http.StatusForbidden, "setup has already been completed")
		return
	}

	var req setupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = CleanString(req.Username, 64)
	req.Email = CleanString(req.Email, 254)
	if err := ValidateUsername(req.Username); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	if len(req.Password) < 8 {
		badRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(w)
		return
	}
	user := &db.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         db.RoleAdmin,
		IsActive:     true,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		repoError(w, err)
		return
	}

	if h.bus != nil {
		event := events.New("setup.initialize", "user", user.Username)
		event.UserID = &user.ID
		event.IP = clientIP(r)
		h.bus.Publish(r.Context(), event)
	}

	// Log the new admin straight in so the client does not need a second
	// round trip.
	result, err := h.auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.Unix(),
		User:      result.User,
	})
}
