package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/vault"
)

type sshKeyHandler struct {
	vault  *vault.Service
	bus    *events.Bus
	logger *zap.Logger
}

// keyView is the only shape vault keys cross the HTTP boundary in. No
// ciphertext, IV, auth tag or plaintext, ever.
type keyView struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	KeyType     string    `json:"key_type"`
	Fingerprint string    `json:"fingerprint"`
	Description string    `json:"description,omitempty"`
	PublicKey   string    `json:"public_key,omitempty"`
	CreatedBy   uint      `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewKey(k *db.VaultKey) keyView {
	return keyView{
		ID:          k.ID,
		Name:        k.Name,
		KeyType:     k.KeyType,
		Fingerprint: k.Fingerprint,
		Description: k.Description,
		PublicKey:   k.PublicKey,
		CreatedBy:   k.CreatedBy,
		CreatedAt:   k.CreatedAt,
	}
}

func (h *sshKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.vault.List(r.Context(), false)
	if err != nil {
		internalError(w)
		return
	}
	views := make([]keyView, len(keys))
	for i := range keys {
		views[i] = viewKey(&keys[i])
	}
	writeJSON(w, http.StatusOK, views)
}

type createKeyRequest struct {
	Name        string `json:"name"`
	PrivateKey  string `json:"private_key"`
	Description string `json:"description"`
}

func (h *sshKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = CleanString(req.Name, 128)
	req.Description = CleanString(req.Description, 2048)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	identity := identityFrom(r.Context())
	key, err := h.vault.Create(r.Context(), req.Name, req.PrivateKey, req.Description, identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrInvalidKey):
			badRequest(w, "private key could not be parsed")
		case errors.Is(err, vault.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "a key with that name already exists")
		default:
			internalError(w)
		}
		return
	}

	if h.bus != nil {
		event := events.New("ssh_key.create", "vault_key", key.ID.String())
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		event.Meta = map[string]any{"name": key.Name, "fingerprint": key.Fingerprint}
		h.bus.Publish(r.Context(), event)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          key.ID,
		"fingerprint": key.Fingerprint,
	})
}

func (h *sshKeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid key id")
		return
	}
	key, err := h.vault.GetMetadata(r.Context(), id, false)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			notFound(w)
			return
		}
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, viewKey(key))
}

func (h *sshKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid key id")
		return
	}
	if err := h.vault.Delete(r.Context(), id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			notFound(w)
			return
		}
		internalError(w)
		return
	}

	if h.bus != nil {
		identity := identityFrom(r.Context())
		event := events.New("ssh_key.delete", "vault_key", id.String())
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		h.bus.Publish(r.Context(), event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
