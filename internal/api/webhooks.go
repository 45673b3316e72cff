package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// redactedSecret is the only form a stored webhook secret is ever echoed in.
const redactedSecret = "***REDACTED***"

type webhookHandler struct {
	webhooks   repositories.WebhookRepository
	dispatcher *events.Dispatcher
	bus        *events.Bus
	logger     *zap.Logger
}

// webhookView wraps the model to expose whether a secret is set without
// exposing the secret.
type webhookView struct {
	*db.Webhook
	Secret string `json:"secret,omitempty"`
}

func viewWebhook(webhook *db.Webhook) webhookView {
	v := webhookView{Webhook: webhook}
	if webhook.Secret != "" {
		v.Secret = redactedSecret
	}
	return v
}

type webhookRequest struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Secret         *string  `json:"secret"`
	Enabled        *bool    `json:"enabled"`
	EventTypes     []string `json:"event_types"`
	RetryMax       int      `json:"retry_max"`
	TimeoutSeconds int      `json:"timeout"`
}

// apply validates the request, runs the SSRF guard on the URL and copies the
// result onto the row. A nil Secret keeps the stored one; an empty string
// clears it.
func (h *webhookHandler) apply(r *http.Request, req *webhookRequest, webhook *db.Webhook) error {
	req.Name = CleanString(req.Name, 128)
	if req.Name == "" {
		return errors.New("name is required")
	}
	if err := events.GuardURL(r.Context(), req.URL, nil); err != nil {
		return err
	}
	if req.RetryMax < 0 || req.RetryMax > 10 {
		return errors.New("retry_max must be between 0 and 10")
	}
	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > 60 {
		return errors.New("timeout must be between 0 and 60 seconds")
	}

	webhook.Name = req.Name
	webhook.URL = req.URL
	if req.Secret != nil {
		webhook.Secret = db.EncryptedString(*req.Secret)
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}
	if req.RetryMax > 0 {
		webhook.RetryMax = req.RetryMax
	}
	if req.TimeoutSeconds > 0 {
		webhook.TimeoutSeconds = req.TimeoutSeconds
	}

	if req.EventTypes == nil {
		webhook.EventTypes = nil
	} else {
		raw, err := json.Marshal(req.EventTypes)
		if err != nil {
			return err
		}
		filter := string(raw)
		webhook.EventTypes = &filter
	}
	return nil
}

func (h *webhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, total, err := h.webhooks.List(r.Context(), listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	views := make([]webhookView, len(hooks))
	for i := range hooks {
		views[i] = viewWebhook(&hooks[i])
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: views, Total: total})
}

func (h *webhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	webhook := &db.Webhook{
		Enabled:   true,
		CreatedBy: identityFrom(r.Context()).UserID,
	}
	if err := h.apply(r, &req, webhook); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.webhooks.Create(r.Context(), webhook); err != nil {
		repoError(w, err)
		return
	}

	h.publish(r, "webhook.create", webhook)
	writeJSON(w, http.StatusCreated, viewWebhook(webhook))
}

func (h *webhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewWebhook(webhook))
}

func (h *webhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.apply(r, &req, webhook); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.webhooks.Update(r.Context(), webhook); err != nil {
		repoError(w, err)
		return
	}

	h.publish(r, "webhook.update", webhook)
	writeJSON(w, http.StatusOK, viewWebhook(webhook))
}

func (h *webhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.webhooks.Delete(r.Context(), webhook.ID); err != nil {
		repoError(w, err)
		return
	}

	h.publish(r, "webhook.delete", webhook)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Test fires a synthetic event at the webhook synchronously and reports the
// delivery outcome. Attempts are recorded like any real delivery.
func (h *webhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}

	identity := identityFrom(r.Context())
	event := events.New("webhook.test", "webhook", webhook.ID.String())
	event.UserID = &identity.UserID
	event.Meta = map[string]any{"triggered_by": identity.Username}

	status := h.dispatcher.Deliver(r.Context(), webhook, event)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *webhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.load(w, r)
	if !ok {
		return
	}
	deliveries, total, err := h.webhooks.ListDeliveries(r.Context(), webhook.ID, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: deliveries, Total: total})
}

func (h *webhookHandler) load(w http.ResponseWriter, r *http.Request) (*db.Webhook, bool) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid webhook id")
		return nil, false
	}
	webhook, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return nil, false
	}
	return webhook, true
}

func (h *webhookHandler) publish(r *http.Request, eventType string, webhook *db.Webhook) {
	if h.bus == nil {
		return
	}
	identity := identityFrom(r.Context())
	event := events.New(eventType, "webhook", webhook.ID.String())
	event.UserID = &identity.UserID
	event.IP = clientIP(r)
	event.Meta = map[string]any{"name": webhook.Name, "url": webhook.URL}
	h.bus.Publish(r.Context(), event)
}
