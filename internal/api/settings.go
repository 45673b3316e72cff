package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/tasks"
)

type settingsHandler struct {
	settings repositories.SettingsRepository
	policy   *tasks.CommandPolicy
	bus      *events.Bus
	logger   *zap.Logger
}

// List returns every setting. Values are decrypted by the storage layer;
// nothing here is a vault secret; those live in their own table.
func (h *settingsHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.settings.All(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// Set writes one setting. Changes to the task command policy keys take
// effect immediately via a policy reload.
func (h *settingsHandler) Set(w http.ResponseWriter, r *http.Request) {
	key := CleanString(chi.URLParam(r, "key"), 128)
	if key == "" {
		badRequest(w, "setting key is required")
		return
	}

	var req struct {
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.settings.Set(r.Context(), key, req.Value); err != nil {
		internalError(w)
		return
	}

	if key == tasks.SettingPolicyAllow || key == tasks.SettingPolicyDeny {
		if err := h.policy.LoadFromSettings(r.Context(), h.settings); err != nil {
			h.logger.Warn("command policy reload failed", zap.Error(err))
		}
	}

	if h.bus != nil {
		identity := identityFrom(r.Context())
		event := events.New("settings.update", "setting", key)
		event.UserID = &identity.UserID
		event.IP = clientIP(r)
		h.bus.Publish(r.Context(), event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
