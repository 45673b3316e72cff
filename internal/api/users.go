package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

type userHandler struct {
	users  repositories.UserRepository
	auth   *auth.Service
	bus    *events.Bus
	logger *zap.Logger
}

var validRoles = map[string]bool{
	db.RoleAdmin:    true,
	db.RoleOperator: true,
	db.RoleViewer:   true,
	db.RoleAuditor:  true,
}

// Roles lists the fixed roles with their permission expansion.
func (h *userHandler) Roles(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]string, len(validRoles))
	for role := range validRoles {
		out[role] = auth.PermissionsForRole(role)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Self-service ---

func (h *userHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	user, err := h.users.GetByID(r.Context(), identity.UserID)
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateMe lets a user change their own email. Role and active flag are
// admin-only and go through the admin Update handler.
func (h *userHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	user, err := h.users.GetByID(r.Context(), identity.UserID)
	if err != nil {
		repoError(w, err)
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = CleanString(req.Email, 254)
	if req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	user.Email = req.Email
	if err := h.users.Update(r.Context(), user); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *userHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		badRequest(w, "password must be at least 8 characters")
		return
	}

	identity := identityFrom(r.Context())
	if err := h.auth.ChangePassword(r.Context(), identity.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			writeError(w, http.StatusForbidden, "current password is incorrect")
			return
		}
		internalError(w)
		return
	}

	if h.bus != nil {
		event := events.New("user.password_change", "user", identity.Username)
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		h.bus.Publish(r.Context(), event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// --- Admin management ---

func (h *userHandler) List(w http.ResponseWriter, r *http.Request) {
	users, total, err := h.users.List(r.Context(), listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: users, Total: total})
}

type userRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	IsActive *bool  `json:"is_active"`
}

func (h *userHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req userRequest
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
	if !validRoles[req.Role] {
		badRequest(w, "unknown role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(w)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	user := &db.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     active,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		repoError(w, err)
		return
	}

	h.publish(r, "user.create", user)
	writeJSON(w, http.StatusCreated, user)
}

func (h *userHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *userHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}

	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email != "" {
		user.Email = CleanString(req.Email, 254)
	}
	if req.Role != "" {
		if !validRoles[req.Role] {
			badRequest(w, "unknown role")
			return
		}
		user.Role = req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if req.Password != "" {
		if len(req.Password) < 8 {
			badRequest(w, "password must be at least 8 characters")
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			internalError(w)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.users.Update(r.Context(), user); err != nil {
		repoError(w, err)
		return
	}

	h.publish(r, "user.update", user)
	writeJSON(w, http.StatusOK, user)
}

// Delete removes a user. Deleting the last active admin is refused.
func (h *userHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	identity := identityFrom(r.Context())
	if identity.UserID == id {
		badRequest(w, "you cannot delete your own account")
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrLastAdmin) {
			writeError(w, http.StatusConflict, "cannot delete the last active admin")
			return
		}
		repoError(w, err)
		return
	}

	h.publish(r, "user.delete", user)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *userHandler) publish(r *http.Request, eventType string, user *db.User) {
	if h.bus == nil {
		return
	}
	identity := identityFrom(r.Context())
	event := events.New(eventType, "user", strconv.FormatUint(uint64(user.ID), 10))
	if identity != nil {
		event.UserID = &identity.UserID
	}
	event.IP = clientIP(r)
	event.Meta = map[string]any{"username": user.Username, "role": user.Role}
	h.bus.Publish(r.Context(), event)
}
