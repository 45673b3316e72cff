package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/cache"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/inventory"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
	"github.com/opsdeck-io/opsdeck/internal/vault"
)

// cacheKeyServers prefixes every cached servers-list entry.
const cacheKeyServers = "servers:"

type serverHandler struct {
	hosts     repositories.HostRepository
	pool      *sshpool.Pool
	vault     *vault.Service
	inventory *inventory.Collector
	invRepo   repositories.InventoryRepository
	cache     *cache.Cache
	bus       *events.Bus
	logger    *zap.Logger
}

// uintParam parses a positive integer URL parameter.
func uintParam(r *http.Request, name string) (uint, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil || v == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(v), nil
}

// uuidParam parses a UUID URL parameter.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// listOpts reads ?limit= and ?offset=; the repository clamps them.
func listOpts(r *http.Request) repositories.ListOptions {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return repositories.ListOptions{Limit: limit, Offset: offset}
}

type serverRequest struct {
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	Description string     `json:"description"`
	AgentPort   int        `json:"agent_port"`
	Tags        []string   `json:"tags"`
	GroupID     *uint      `json:"group_id"`
	VaultKeyID  *uuid.UUID `json:"vault_key_id"`
	SSHKeyPath  string     `json:"ssh_key_path"`
	SSHPassword string     `json:"ssh_password"`
}

// apply validates the request and copies it onto a host row.
func (req *serverRequest) apply(host *db.Host) error {
	req.Name = CleanString(req.Name, 128)
	req.Host = CleanString(req.Host, 253)
	req.Description = CleanString(req.Description, 2048)
	if req.Name == "" {
		return errors.New("name is required")
	}
	if err := ValidateHostOrIP(req.Host); err != nil {
		return err
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if err := ValidatePort(req.Port); err != nil {
		return err
	}
	if err := ValidateUsername(req.Username); err != nil {
		return err
	}
	if req.AgentPort == 0 {
		req.AgentPort = 9100
	}
	if err := ValidatePort(req.AgentPort); err != nil {
		return err
	}

	tags := "[]"
	if len(req.Tags) > 0 {
		for i, tag := range req.Tags {
			req.Tags[i] = CleanString(tag, 64)
		}
		raw, err := json.Marshal(req.Tags)
		if err != nil {
			return err
		}
		tags = string(raw)
	}

	host.Name = req.Name
	host.Host = req.Host
	host.Port = req.Port
	host.Username = req.Username
	host.Description = req.Description
	host.AgentPort = req.AgentPort
	host.Tags = tags
	host.GroupID = req.GroupID
	host.VaultKeyID = req.VaultKeyID
	host.SSHKeyPath = CleanString(req.SSHKeyPath, 512)
	if req.SSHPassword != "" {
		host.SSHPassword = db.EncryptedString(req.SSHPassword)
	}
	return nil
}

func (h *serverHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.HostFilter{
		Status: r.URL.Query().Get("status"),
		Tag:    r.URL.Query().Get("tag"),
	}
	if g := r.URL.Query().Get("group_id"); g != "" {
		if id, err := strconv.ParseUint(g, 10, 32); err == nil {
			gid := uint(id)
			filter.GroupID = &gid
		}
	}
	opts := listOpts(r)

	key := cacheKeyServers + r.URL.RawQuery
	if cached, ok := h.cache.Get(key); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	hosts, total, err := h.hosts.List(r.Context(), filter, opts)
	if err != nil {
		internalError(w)
		return
	}
	payload := listEnvelope{Items: hosts, Total: total}
	h.cache.Set(key, payload, cache.TTLServers)
	writeJSON(w, http.StatusOK, payload)
}

func (h *serverHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	host := &db.Host{Status: db.HostStatusUnknown}
	if err := req.apply(host); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.hosts.Create(r.Context(), host); err != nil {
		repoError(w, err)
		return
	}

	h.cache.InvalidatePrefix(cacheKeyServers)
	h.publish(r, "server.create", host)
	writeJSON(w, http.StatusCreated, host)
}

func (h *serverHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	host, err := h.hosts.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *serverHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	host, err := h.hosts.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}

	var req serverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// An empty password in the request keeps the stored one.
	if err := req.apply(host); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.hosts.Update(r.Context(), host); err != nil {
		repoError(w, err)
		return
	}

	h.cache.InvalidatePrefix(cacheKeyServers)
	h.publish(r, "server.update", host)
	writeJSON(w, http.StatusOK, host)
}

func (h *serverHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	host, err := h.hosts.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	if err := h.hosts.Delete(r.Context(), id); err != nil {
		repoError(w, err)
		return
	}

	// Evict any cached SSH client for the deleted host.
	h.pool.Close(host.Host, host.Port, host.Username)
	h.cache.InvalidatePrefix(cacheKeyServers)
	h.publish(r, "server.delete", host)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Test opens a throwaway SSH connection with the submitted coordinates and
// credentials. Nothing is cached or persisted.
func (h *serverHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	host := &db.Host{}
	if err := req.apply(host); err != nil {
		badRequest(w, err.Error())
		return
	}

	creds, err := h.vault.HostCredentials(r.Context(), host)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.pool.QuickTest(host.Host, host.Port, host.Username, creds); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Groups ---

func (h *serverHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.hosts.ListGroups(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *serverHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = CleanString(req.Name, 128)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	group := &db.HostGroup{Name: req.Name}
	if err := h.hosts.CreateGroup(r.Context(), group); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *serverHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.hosts.DeleteGroup(r.Context(), id); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Notes ---

func (h *serverHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	notes, total, err := h.hosts.ListNotes(r.Context(), id, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: notes, Total: total})
}

func (h *serverHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := h.hosts.GetByID(r.Context(), id); err != nil {
		repoError(w, err)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Content = CleanString(req.Content, 8192)
	if req.Content == "" {
		badRequest(w, "content is required")
		return
	}

	note := &db.HostNote{
		HostID:  id,
		UserID:  identityFrom(r.Context()).UserID,
		Content: req.Content,
	}
	if err := h.hosts.AddNote(r.Context(), note); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (h *serverHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	noteID, err := uuidParam(r, "noteID")
	if err != nil {
		badRequest(w, "invalid note id")
		return
	}
	if err := h.hosts.DeleteNote(r.Context(), noteID); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Inventory ---

func (h *serverHandler) InventoryLatest(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	latest, err := h.invRepo.GetLatest(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (h *serverHandler) InventoryHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	snapshots, total, err := h.invRepo.ListSnapshots(r.Context(), id, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: snapshots, Total: total})
}

// InventoryRefresh collects inventory synchronously over SSH. Slowish but
// operator-triggered and bounded by the per-command timeout.
func (h *serverHandler) InventoryRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	host, err := h.hosts.GetByID(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}

	opts := inventory.Options{
		IncludePackages: r.URL.Query().Get("packages") != "false",
		IncludeServices: r.URL.Query().Get("services") != "false",
	}
	inv, err := h.inventory.Refresh(r.Context(), host, opts)
	if err != nil {
		writeError(w, http.StatusBadGateway, "inventory collection failed: "+err.Error())
		return
	}

	h.publish(r, "inventory.refresh", host)
	writeJSON(w, http.StatusOK, inv)
}

func (h *serverHandler) publish(r *http.Request, eventType string, host *db.Host) {
	if h.bus == nil {
		return
	}
	identity := identityFrom(r.Context())
	event := events.New(eventType, "server", strconv.FormatUint(uint64(host.ID), 10))
	if identity != nil {
		event.UserID = &identity.UserID
	}
	event.IP = clientIP(r)
	event.UserAgent = r.UserAgent()
	event.Meta = map[string]any{"name": host.Name, "host": host.Host}
	h.bus.Publish(r.Context(), event)
}
